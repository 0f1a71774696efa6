// Package tactile provides the execution backends that run agent actions.
//
// Every Execute call is an independent, context-free shell invocation: no
// shell state (cwd changes, exported variables) survives between calls. State
// reaches later actions only through the filesystem of the backend.
package tactile

import (
	"context"
	"errors"
	"fmt"

	"forkbench/internal/config"
	"forkbench/internal/types"
)

// ErrNotStarted is returned when Execute is called before Start.
var ErrNotStarted = errors.New("backend not started")

// Backend runs actions in one isolated environment.
type Backend interface {
	// Start prepares the environment. It must be called before Execute.
	Start(ctx context.Context) error
	// Execute runs one action. A timed-out or partially captured execution is
	// reported in the Observation; the error is reserved for infrastructure
	// failures and cancellation.
	Execute(ctx context.Context, action types.Action) (types.Observation, error)
	// Stop releases the environment. It is idempotent and safe to call when
	// Start never succeeded.
	Stop(ctx context.Context) error
	// Name describes the backend type for logs and trajectory metadata.
	Name() string
}

// Factory constructs fresh, independent backends.
type Factory interface {
	NewBackend() (Backend, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func() (Backend, error)

// NewBackend implements Factory.
func (f FactoryFunc) NewBackend() (Backend, error) { return f() }

// NewFactory returns a factory for the configured backend type.
func NewFactory(cfg config.EnvironmentConfig) (Factory, error) {
	timeout := parseTimeout(cfg.Timeout)
	switch cfg.Type {
	case "", "local":
		return FactoryFunc(func() (Backend, error) {
			return NewLocalBackend(LocalConfig{
				Cwd:            cfg.Cwd,
				Env:            cfg.Env,
				ForwardEnv:     cfg.ForwardEnv,
				Timeout:        timeout,
				MaxOutputBytes: cfg.MaxOutputBytes,
			}), nil
		}), nil
	case "docker":
		if cfg.Image == "" {
			return nil, fmt.Errorf("docker backend requires an image")
		}
		return FactoryFunc(func() (Backend, error) {
			return NewDockerBackend(DockerConfig{
				Executable:       cfg.DockerExecutable,
				Image:            cfg.Image,
				Cwd:              cfg.Cwd,
				Env:              cfg.Env,
				ForwardEnv:       cfg.ForwardEnv,
				RunArgs:          cfg.RunArgs,
				Timeout:          timeout,
				ContainerTimeout: parseTimeout(cfg.ContainerTimeout),
				MaxOutputBytes:   cfg.MaxOutputBytes,
			}), nil
		}), nil
	default:
		return nil, fmt.Errorf("unknown environment type %q", cfg.Type)
	}
}

// Info is the backend reconstruction metadata stored in trajectories.
func Info(cfg config.EnvironmentConfig) map[string]any {
	info := map[string]any{
		"type":    cfg.Type,
		"cwd":     cfg.Cwd,
		"timeout": cfg.Timeout,
	}
	if cfg.Type == "docker" {
		info["image"] = cfg.Image
		info["run_args"] = cfg.RunArgs
	}
	if len(cfg.Env) > 0 {
		info["env"] = cfg.Env
	}
	return info
}
