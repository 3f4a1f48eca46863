package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"mediaq/internal/workitem"
	logx "mediaq/pkg/logx"
)

const (
	KindExtractAudio = "extract-audio"
	KindCaptureFrame = "capture-frame"
	KindReverse      = "reverse"
	KindTimeStretch  = "time-stretch"
	KindTranscribe   = "transcribe"
)

const (
	videoPattern = "*.{mp4,mkv,mov,webm,avi,m4v,mpg,mpeg}"
	audioPattern = "*.{mp3,wav,flac,m4a,ogg,opus,aac,wma}"
)

// Config locates the tools and shapes their output.
type Config struct {
	FFmpeg    string
	Whisper   string
	OutputDir string // empty: next to the input
	Overwrite bool

	// StretchFactor is the playback speed for time-stretch (0.5 = half speed).
	StretchFactor float64
	// FrameAt is the ffmpeg -ss position for capture-frame.
	FrameAt string
	// WhisperModel is passed as --model when set.
	WhisperModel string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.FFmpeg) == "" {
		c.FFmpeg = "ffmpeg"
	}
	if strings.TrimSpace(c.Whisper) == "" {
		c.Whisper = "whisper"
	}
	if c.StretchFactor <= 0 {
		c.StretchFactor = 0.5
	}
	if strings.TrimSpace(c.FrameAt) == "" {
		c.FrameAt = "00:00:01"
	}
	return c
}

// Toolkit implements the built-in operations.
type Toolkit struct {
	cfg Config
	run Runner
	log logx.Logger
}

// New returns a Toolkit. A nil runner runs real subprocesses.
func New(cfg Config, run Runner, log logx.Logger) *Toolkit {
	if log.IsZero() {
		log = logx.Nop()
	}
	if run == nil {
		run = ExecRunner{Log: log}
	}
	return &Toolkit{cfg: cfg.withDefaults(), run: run, log: log}
}

// Register adds every operation to reg.
func (t *Toolkit) Register(reg *workitem.Registry) error {
	ops := []struct {
		kind    string
		fn      workitem.Func
		desc    string
		accepts []string
	}{
		{KindExtractAudio, t.ExtractAudio, "Extract the audio track to .m4a", []string{videoPattern}},
		{KindCaptureFrame, t.CaptureFrame, "Save one frame as .png", []string{videoPattern}},
		{KindReverse, t.Reverse, "Play the file backwards", []string{videoPattern, audioPattern}},
		{KindTimeStretch, t.TimeStretch, "Change playback speed keeping pitch", []string{videoPattern, audioPattern}},
		{KindTranscribe, t.Transcribe, "Transcribe speech to .txt with whisper", []string{videoPattern, audioPattern}},
	}
	var errs []error
	for _, op := range ops {
		errs = append(errs, reg.Register(op.kind, op.fn, workitem.Descriptor{Description: op.desc, Accepts: op.accepts}))
	}
	return errors.Join(errs...)
}

func (t *Toolkit) ExtractAudio(ctx context.Context, in string) (workitem.Result, error) {
	out, owned, err := t.prepare(in, "", ".m4a")
	if err != nil {
		return workitem.Result{}, err
	}
	if err := t.ffmpeg(ctx, in, out, owned, nil, []string{"-vn", "-c:a", "aac", "-b:a", "192k"}); err != nil {
		return workitem.Result{}, err
	}
	return done(out, "extracted audio from "+filepath.Base(in))
}

func (t *Toolkit) CaptureFrame(ctx context.Context, in string) (workitem.Result, error) {
	out, owned, err := t.prepare(in, "frame", ".png")
	if err != nil {
		return workitem.Result{}, err
	}
	if err := t.ffmpeg(ctx, in, out, owned, []string{"-ss", t.cfg.FrameAt}, []string{"-frames:v", "1"}); err != nil {
		return workitem.Result{}, err
	}
	return done(out, "captured frame at "+t.cfg.FrameAt)
}

func (t *Toolkit) Reverse(ctx context.Context, in string) (workitem.Result, error) {
	out, owned, err := t.prepare(in, "reversed", "")
	if err != nil {
		return workitem.Result{}, err
	}
	args := []string{"-af", "areverse"}
	if !isAudio(in) {
		args = append([]string{"-vf", "reverse"}, args...)
	}
	if err := t.ffmpeg(ctx, in, out, owned, nil, args); err != nil {
		return workitem.Result{}, err
	}
	return done(out, "reversed "+filepath.Base(in))
}

func (t *Toolkit) TimeStretch(ctx context.Context, in string) (workitem.Result, error) {
	f := t.cfg.StretchFactor
	label := "x" + strconv.FormatFloat(f, 'f', -1, 64)
	out, owned, err := t.prepare(in, label, "")
	if err != nil {
		return workitem.Result{}, err
	}
	args := []string{"-filter:a", atempoChain(f)}
	if !isAudio(in) {
		args = append([]string{"-filter:v", "setpts=PTS/" + strconv.FormatFloat(f, 'f', -1, 64)}, args...)
	}
	if err := t.ffmpeg(ctx, in, out, owned, nil, args); err != nil {
		return workitem.Result{}, err
	}
	return done(out, "stretched "+filepath.Base(in)+" to "+label)
}

func (t *Toolkit) Transcribe(ctx context.Context, in string) (res workitem.Result, err error) {
	out, owned, err := t.prepare(in, "", ".txt")
	if err != nil {
		return workitem.Result{}, err
	}
	defer func() {
		if err != nil && owned {
			t.discard(out)
		}
	}()
	// whisper picks its own file name, so run it in a scratch dir and move the result.
	tmp, err := os.MkdirTemp(filepath.Dir(out), ".mediaq-whisper-*")
	if err != nil {
		return workitem.Result{}, err
	}
	defer os.RemoveAll(tmp)

	args := []string{in, "--output_format", "txt", "--output_dir", tmp}
	if m := strings.TrimSpace(t.cfg.WhisperModel); m != "" {
		args = append(args, "--model", m)
	}
	if err := t.run.Run(ctx, t.cfg.Whisper, args...); err != nil {
		return workitem.Result{}, err
	}
	stem := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
	if err := os.Rename(filepath.Join(tmp, stem+".txt"), out); err != nil {
		return workitem.Result{}, fmt.Errorf("%s produced no transcript: %w", t.cfg.Whisper, err)
	}
	return done(out, "transcribed "+filepath.Base(in))
}

// prepare checks the input and picks the output path. owned reports whether
// the path is this job's to delete on failure.
func (t *Toolkit) prepare(in, suffix, ext string) (out string, owned bool, err error) {
	st, err := os.Stat(in)
	if err != nil {
		return "", false, fmt.Errorf("input: %w", err)
	}
	if !st.Mode().IsRegular() {
		return "", false, fmt.Errorf("input %s is not a regular file", in)
	}
	if t.cfg.OutputDir != "" {
		if err := os.MkdirAll(t.cfg.OutputDir, 0o755); err != nil {
			return "", false, err
		}
	}
	out, err = OutputPath(in, suffix, ext, t.cfg.OutputDir, t.cfg.Overwrite)
	if err != nil {
		return "", false, err
	}
	if !t.cfg.Overwrite {
		return out, true, nil
	}
	_, statErr := os.Stat(out)
	return out, errors.Is(statErr, fs.ErrNotExist), nil
}

// ffmpeg runs "ffmpeg <pre> -i in <post> out". A failed or cancelled run
// leaves no partial output behind when the job owns out.
func (t *Toolkit) ffmpeg(ctx context.Context, in, out string, owned bool, pre, post []string) error {
	args := []string{"-hide_banner", "-nostdin", "-loglevel", "error", "-y"}
	args = append(args, pre...)
	args = append(args, "-i", in)
	args = append(args, post...)
	args = append(args, out)

	err := t.run.Run(ctx, t.cfg.FFmpeg, args...)
	if err == nil {
		// The reserved placeholder is empty until ffmpeg writes it.
		if st, serr := os.Stat(out); serr != nil {
			err = fmt.Errorf("%s produced no output: %w", t.cfg.FFmpeg, serr)
		} else if st.Size() == 0 {
			err = fmt.Errorf("%s produced no output: %s is empty", t.cfg.FFmpeg, out)
		}
	}
	if err != nil && owned {
		t.discard(out)
	}
	return err
}

func (t *Toolkit) discard(out string) {
	if err := os.Remove(out); err != nil && !errors.Is(err, fs.ErrNotExist) {
		t.log.Debug("partial output not removed", logx.String("path", out), logx.Err(err))
	}
}

func done(out, msg string) (workitem.Result, error) {
	return workitem.Result{Output: out, Message: msg}, nil
}

func isAudio(in string) bool {
	ok, _ := doublestar.Match(audioPattern, strings.ToLower(filepath.Base(in)))
	return ok
}

// atempoChain expresses f as chained atempo filters, each within [0.5, 2].
func atempoChain(f float64) string {
	var parts []string
	for f > 2 {
		parts = append(parts, "atempo=2")
		f /= 2
	}
	for f < 0.5 {
		parts = append(parts, "atempo=0.5")
		f /= 0.5
	}
	parts = append(parts, "atempo="+strconv.FormatFloat(f, 'f', -1, 64))
	return strings.Join(parts, ",")
}
