package tactile

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"forkbench/internal/logging"
	"forkbench/internal/types"
)

// DockerConfig configures a DockerBackend.
type DockerConfig struct {
	Executable       string
	Image            string
	Cwd              string
	Env              map[string]string
	ForwardEnv       []string
	RunArgs          []string
	Timeout          time.Duration
	ContainerTimeout time.Duration
	MaxOutputBytes   int64
}

// DockerBackend keeps one long-lived container per backend and runs every
// action through `docker exec`. The container lives from Start to Stop.
type DockerBackend struct {
	mu          sync.Mutex
	cfg         DockerConfig
	containerID string
	name        string
}

// NewDockerBackend creates a docker backend. It must be started before use.
func NewDockerBackend(cfg DockerConfig) *DockerBackend {
	if cfg.Executable == "" {
		cfg.Executable = "docker"
	}
	if cfg.ContainerTimeout <= 0 {
		cfg.ContainerTimeout = 2 * time.Hour
	}
	return &DockerBackend{cfg: cfg}
}

// Name implements Backend.
func (b *DockerBackend) Name() string { return "docker" }

// ContainerID returns the running container id, or "".
func (b *DockerBackend) ContainerID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.containerID
}

// Start implements Backend.
func (b *DockerBackend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.containerID != "" {
		return nil
	}

	name := "forkbench-" + uuid.NewString()[:8]
	args := []string{"run", "-d", "--name", name}
	if b.cfg.Cwd != "" {
		args = append(args, "-w", b.cfg.Cwd)
	}
	args = append(args, b.cfg.RunArgs...)
	args = append(args, b.cfg.Image, "sleep", strconv.Itoa(int(b.cfg.ContainerTimeout.Seconds())))

	logging.Tactile("Starting container %s from %s", name, b.cfg.Image)
	obs, err := run(ctx, invocation{
		Binary:  b.cfg.Executable,
		Args:    args,
		Env:     os.Environ(),
		Timeout: 5 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	if obs.ExitCode() != 0 {
		return fmt.Errorf("failed to start container (exit %d): %s", obs.ExitCode(), strings.TrimSpace(obs.Output))
	}

	id := strings.TrimSpace(obs.Output)
	if lines := strings.Split(id, "\n"); len(lines) > 1 {
		id = strings.TrimSpace(lines[len(lines)-1])
	}
	if id == "" {
		return fmt.Errorf("docker run returned no container id")
	}
	b.containerID = id
	b.name = name
	logging.Tactile("Container %s started as %s", name, id)
	return nil
}

// Execute implements Backend.
func (b *DockerBackend) Execute(ctx context.Context, action types.Action) (types.Observation, error) {
	id := b.ContainerID()
	if id == "" {
		return types.Observation{}, ErrNotStarted
	}

	timer := logging.StartTimer(logging.CategoryTactile, "Docker action execution")
	defer timer.Stop()

	args := []string{"exec"}
	if b.cfg.Cwd != "" {
		args = append(args, "-w", b.cfg.Cwd)
	}
	for _, key := range b.cfg.ForwardEnv {
		if val, ok := os.LookupEnv(key); ok {
			args = append(args, "-e", key+"="+val)
		}
	}
	for _, k := range slices.Sorted(maps.Keys(b.cfg.Env)) {
		args = append(args, "-e", k+"="+b.cfg.Env[k])
	}
	args = append(args, id, "bash", "-lc", action.Command)

	logging.TactileDebug("docker exec %s: %s", id, action.Command)
	return run(ctx, invocation{
		Binary:         b.cfg.Executable,
		Args:           args,
		Env:            os.Environ(),
		Timeout:        b.cfg.Timeout,
		MaxOutputBytes: b.cfg.MaxOutputBytes,
	})
}

// Stop implements Backend. The container is force-removed even when ctx is
// already canceled.
func (b *DockerBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	id := b.containerID
	b.containerID = ""
	b.mu.Unlock()

	if id == "" {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 60*time.Second)
	defer cancel()

	obs, err := run(stopCtx, invocation{
		Binary:  b.cfg.Executable,
		Args:    []string{"rm", "-f", id},
		Env:     os.Environ(),
		Timeout: 60 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	if obs.ExitCode() != 0 {
		logging.TactileWarn("docker rm -f %s exited %d: %s", id, obs.ExitCode(), strings.TrimSpace(obs.Output))
	}
	logging.Tactile("Container %s removed", id)
	return nil
}
