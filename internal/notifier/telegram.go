package notifier

import (
	"context"
	"errors"
	"html"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

const (
	TelegramSinkName = "telegram"

	telegramTextLimit = 4000
)

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint; empty uses the public one.
	APIURL string
}

// TelegramSink posts notifications to one chat (and optional forum thread).
// The bot never polls for updates.
type TelegramSink struct {
	bot    *tele.Bot
	chat   *tele.Chat
	thread int
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: 15 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, thread: cfg.ThreadID}, nil
}

func (t *TelegramSink) Name() string { return TelegramSinkName }

func (t *TelegramSink) Send(ctx context.Context, n Notification) error {
	text := formatTelegram(n)
	for _, chunk := range splitTelegramText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := t.bot.Send(t.chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
			ThreadID:              t.thread,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func formatTelegram(n Notification) string {
	var b strings.Builder
	switch n.Level {
	case LevelError:
		b.WriteString("🚨 ")
	case LevelWarn:
		b.WriteString("⚠️ ")
	}
	if n.Title != "" {
		b.WriteString("<b>")
		b.WriteString(html.EscapeString(n.Title))
		b.WriteString("</b>")
	}
	if n.Body != "" {
		if n.Title != "" {
			b.WriteString("\n")
		}
		b.WriteString(html.EscapeString(n.Body))
	}
	return b.String()
}

// splitTelegramText cuts s into chunks of at most limit runes, preferring
// newline boundaries and never splitting inside an HTML tag.
func splitTelegramText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
