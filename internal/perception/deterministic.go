package perception

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"forkbench/internal/actions"
	"forkbench/internal/types"
)

// ErrScriptExhausted is returned when a scripted model has no outputs left.
var ErrScriptExhausted = errors.New("scripted outputs exhausted")

// DeterministicModel replays scripted outputs in order. With Cycle set it
// wraps around instead of failing. It is useful for dry runs and tests.
type DeterministicModel struct {
	mu       sync.Mutex
	identity types.ModelIdentity
	outputs  []string
	errs     map[int]error
	cost     float64
	cycle    bool
	next     int
	calls    int
}

// NewDeterministicModel creates a scripted model.
func NewDeterministicModel(identity types.ModelIdentity, outputs []string, costPerCall float64, cycle bool) *DeterministicModel {
	if identity.Implementation == "" {
		identity.Implementation = "deterministic:" + identity.Name
	}
	return &DeterministicModel{
		identity: identity,
		outputs:  append([]string(nil), outputs...),
		cost:     costPerCall,
		cycle:    cycle,
	}
}

// FailOn makes the call with the given zero-based call number return err.
func (m *DeterministicModel) FailOn(call int, err error) *DeterministicModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errs == nil {
		m.errs = make(map[int]error)
	}
	m.errs[call] = err
	return m
}

// Calls returns the number of completions served.
func (m *DeterministicModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Identity implements Model.
func (m *DeterministicModel) Identity() types.ModelIdentity { return m.identity }

// Query implements Model.
func (m *DeterministicModel) Query(ctx context.Context, _ []types.Message, _ types.SamplingParams) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.take()
}

// QueryMany implements MultiModel.
func (m *DeterministicModel) QueryMany(ctx context.Context, _ []types.Message, _ types.SamplingParams, n int) ([]Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Response, 0, n)
	for i := 0; i < n; i++ {
		r, err := m.take()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *DeterministicModel) take() (Response, error) {
	call := m.calls
	m.calls++
	if err, ok := m.errs[call]; ok {
		return Response{}, err
	}
	if len(m.outputs) == 0 || (!m.cycle && m.next >= len(m.outputs)) {
		return Response{}, fmt.Errorf("%s: %w", m.identity.Name, ErrScriptExhausted)
	}
	text := m.outputs[m.next%len(m.outputs)]
	m.next++
	return Response{Text: text, Cost: m.cost}, nil
}

// FixedActionModel emits a caller-supplied action sequence, one fenced
// command per call.
type FixedActionModel struct {
	*DeterministicModel
}

// NewFixedActionModel creates a model that plays back commands in order.
func NewFixedActionModel(commands []string) *FixedActionModel {
	outputs := make([]string, len(commands))
	for i, c := range commands {
		outputs[i] = actions.Fence(c)
	}
	return &FixedActionModel{
		DeterministicModel: NewDeterministicModel(
			types.ModelIdentity{Name: "fixed", Implementation: "fixed"}, outputs, 0, false),
	}
}
