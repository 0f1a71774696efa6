// Package tactiletest provides in-memory execution backends for tests.
package tactiletest

import (
	"context"
	"sync"

	"forkbench/internal/tactile"
	"forkbench/internal/types"
)

// Responder produces the observation for a command.
type Responder func(command string) (types.Observation, error)

// Echo answers every command with return code 0 and the command as output.
func Echo(command string) (types.Observation, error) {
	return types.Observation{ReturnCode: types.IntPtr(0), Output: command}, nil
}

// Backend records every call and answers with its Responder.
type Backend struct {
	ID int

	mu       sync.Mutex
	respond  Responder
	commands []string
	started  int
	stopped  int
	running  bool
}

// NewBackend returns a backend that answers with respond (Echo when nil).
func NewBackend(respond Responder) *Backend {
	if respond == nil {
		respond = Echo
	}
	return &Backend{respond: respond}
}

// Start implements tactile.Backend.
func (b *Backend) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started++
	b.running = true
	return nil
}

// Execute implements tactile.Backend.
func (b *Backend) Execute(ctx context.Context, action types.Action) (types.Observation, error) {
	if err := ctx.Err(); err != nil {
		return types.Observation{}, err
	}
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return types.Observation{}, tactile.ErrNotStarted
	}
	b.commands = append(b.commands, action.Command)
	respond := b.respond
	b.mu.Unlock()
	return respond(action.Command)
}

// Stop implements tactile.Backend.
func (b *Backend) Stop(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		b.stopped++
	}
	b.running = false
	return nil
}

// Name implements tactile.Backend.
func (b *Backend) Name() string { return "fake" }

// Commands returns the executed commands in order.
func (b *Backend) Commands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.commands...)
}

// Lifecycle returns how often the backend was started and stopped.
func (b *Backend) Lifecycle() (started, stopped int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started, b.stopped
}

// Factory hands out fresh Backends and remembers them.
type Factory struct {
	Respond Responder

	mu       sync.Mutex
	backends []*Backend
}

// NewBackend implements tactile.Factory.
func (f *Factory) NewBackend() (tactile.Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := NewBackend(f.Respond)
	b.ID = len(f.backends)
	f.backends = append(f.backends, b)
	return b, nil
}

// Backends returns every backend created so far.
func (f *Factory) Backends() []*Backend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Backend(nil), f.backends...)
}
