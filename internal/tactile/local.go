package tactile

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"forkbench/internal/logging"
	"forkbench/internal/types"
)

// LocalConfig configures a LocalBackend.
type LocalConfig struct {
	// Cwd is the working directory. When empty, Start creates a private
	// temporary workspace that Stop removes.
	Cwd            string
	Env            map[string]string
	ForwardEnv     []string
	Timeout        time.Duration
	MaxOutputBytes int64
	// Shell defaults to bash.
	Shell string
}

// LocalBackend runs each action as `bash -c <command>` on the host.
type LocalBackend struct {
	mu      sync.Mutex
	cfg     LocalConfig
	dir     string
	tempDir bool
	started bool
}

// NewLocalBackend creates a local backend. It must be started before use.
func NewLocalBackend(cfg LocalConfig) *LocalBackend {
	if cfg.Shell == "" {
		cfg.Shell = "bash"
	}
	if cfg.ForwardEnv == nil {
		cfg.ForwardEnv = []string{"PATH", "HOME", "LANG"}
	}
	logging.TactileDebug("Creating LocalBackend: cwd=%q timeout=%s maxOutput=%d",
		cfg.Cwd, cfg.Timeout, cfg.MaxOutputBytes)
	return &LocalBackend{cfg: cfg}
}

// Name implements Backend.
func (b *LocalBackend) Name() string { return "local" }

// Dir returns the working directory once started.
func (b *LocalBackend) Dir() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dir
}

// Start implements Backend.
func (b *LocalBackend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.cfg.Cwd == "" {
		dir, err := os.MkdirTemp("", "forkbench-local-")
		if err != nil {
			return fmt.Errorf("failed to create workspace: %w", err)
		}
		b.dir = dir
		b.tempDir = true
	} else {
		if err := os.MkdirAll(b.cfg.Cwd, 0755); err != nil {
			return fmt.Errorf("failed to create working directory: %w", err)
		}
		b.dir = b.cfg.Cwd
	}
	b.started = true
	logging.Tactile("LocalBackend started in %s", b.dir)
	return nil
}

// Execute implements Backend.
func (b *LocalBackend) Execute(ctx context.Context, action types.Action) (types.Observation, error) {
	b.mu.Lock()
	started, dir := b.started, b.dir
	b.mu.Unlock()
	if !started {
		return types.Observation{}, ErrNotStarted
	}

	timer := logging.StartTimer(logging.CategoryTactile, "Local action execution")
	defer timer.Stop()
	logging.TactileDebug("Executing locally: %s", action.Command)

	return run(ctx, invocation{
		Binary:         b.cfg.Shell,
		Args:           []string{"-c", action.Command},
		Dir:            dir,
		Env:            buildEnvironment(b.cfg.ForwardEnv, b.cfg.Env),
		Timeout:        b.cfg.Timeout,
		MaxOutputBytes: b.cfg.MaxOutputBytes,
	})
}

// Stop implements Backend.
func (b *LocalBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return nil
	}
	b.started = false
	if b.tempDir {
		b.tempDir = false
		if err := os.RemoveAll(b.dir); err != nil {
			return fmt.Errorf("failed to remove workspace %s: %w", b.dir, err)
		}
		logging.TactileDebug("Removed workspace %s", b.dir)
	}
	return nil
}
