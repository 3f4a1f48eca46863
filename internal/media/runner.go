package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	logx "mediaq/pkg/logx"
)

const stderrTail = 2048

// Runner executes an external tool.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs tools as subprocesses. A cancelled ctx kills the process.
type ExecRunner struct {
	Log logx.Logger
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	// Give the tool a moment to exit after the kill before Wait gives up on pipes.
	cmd.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	r.Log.Debug("tool finished",
		logx.String("tool", name),
		logx.Int("args", len(args)),
		logx.Duration("dur", time.Since(start)),
		logx.Err(err),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if tail := lastLine(stderr.Bytes()); tail != "" {
		return fmt.Errorf("%s: %w: %s", name, err, tail)
	}
	return fmt.Errorf("%s: %w", name, err)
}

// lastLine returns the last non-empty line of the (bounded) stderr tail.
func lastLine(b []byte) string {
	if len(b) > stderrTail {
		b = b[len(b)-stderrTail:]
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
