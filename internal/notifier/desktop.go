package notifier

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

const DesktopSinkName = "desktop"

// DesktopSink shows notifications through a notify-send style command.
// notify-send itself gets app name and urgency flags; any other command is
// called with just (title, body).
type DesktopSink struct {
	Command string
}

func NewDesktopSink(command string) *DesktopSink {
	if strings.TrimSpace(command) == "" {
		command = "notify-send"
	}
	return &DesktopSink{Command: command}
}

func (d *DesktopSink) Name() string { return DesktopSinkName }

func (d *DesktopSink) Send(ctx context.Context, n Notification) error {
	var args []string
	if filepath.Base(d.Command) == "notify-send" {
		args = append(args, "-a", "mediaq", "-u", urgency(n.Level))
	}
	args = append(args, n.Title, n.Body)

	cmd := exec.CommandContext(ctx, d.Command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", d.Command, err, msg)
		}
		return fmt.Errorf("%s: %w", d.Command, err)
	}
	return nil
}

func urgency(l Level) string {
	switch l {
	case LevelError:
		return "critical"
	case LevelWarn:
		return "normal"
	}
	return "low"
}
