package tactile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"time"

	"forkbench/internal/logging"
	"forkbench/internal/types"
)

const (
	defaultTimeout        = 60 * time.Second
	defaultMaxOutputBytes = 1 << 20
)

// invocation is one process to run and capture.
type invocation struct {
	Binary         string
	Args           []string
	Dir            string
	Env            []string
	Timeout        time.Duration
	MaxOutputBytes int64
}

// run executes inv and folds stdout and stderr into a single observation.
// A deadline hit is reported as TimedOut with the partial output; only
// failures to launch the process and parent cancellation return an error.
func run(ctx context.Context, inv invocation) (types.Observation, error) {
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxOutput := inv.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, inv.Binary, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env
	setupProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 2 * time.Second

	var buf bytes.Buffer
	out := &limitedWriter{w: &buf, max: maxOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	obs := types.Observation{
		Output:    buf.String(),
		Truncated: out.truncated,
	}
	if out.truncated {
		logging.TactileWarn("Command output truncated: %d bytes discarded", out.discarded)
	}

	if err == nil {
		obs.ReturnCode = types.IntPtr(0)
		logging.TactileDebug("Command succeeded in %s", elapsed)
		return obs, nil
	}

	// Parent cancellation is not a timeout of the action itself.
	if ctx.Err() != nil {
		return obs, ctx.Err()
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		obs.TimedOut = true
		obs.Exception = fmt.Sprintf("timeout after %s", timeout)
		logging.TactileWarn("Command killed (timeout): %s after %s", inv.Binary, timeout)
		return obs, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		obs.ReturnCode = types.IntPtr(exitErr.ExitCode())
		logging.TactileDebug("Command exited non-zero: %d", exitErr.ExitCode())
		return obs, nil
	}

	logging.TactileError("Command failed to run: %s - %v", inv.Binary, err)
	return obs, fmt.Errorf("failed to run %s: %w", inv.Binary, err)
}

// buildEnvironment forwards the allowed host variables and appends extras.
func buildEnvironment(forward []string, extra map[string]string) []string {
	env := make([]string, 0, len(forward)+len(extra))
	for _, key := range forward {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func parseTimeout(s string) time.Duration {
	if s == "" {
		return defaultTimeout
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultTimeout
	}
	return d
}

// limitedWriter is an io.Writer that limits total bytes written.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil // Pretend we wrote it
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err // Return original length to avoid "short write" errors
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
