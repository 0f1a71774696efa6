// Package replay re-executes recorded trajectories to rebuild the state at a
// given step.
package replay

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"forkbench/internal/logging"
	"forkbench/internal/prompt"
	"forkbench/internal/tactile"
	"forkbench/internal/trajectory"
	"forkbench/internal/types"
)

var tracer = otel.Tracer("forkbench/replay")

// Plan is the reusable result of replaying a trajectory up to a step.
type Plan struct {
	Source          string `json:"source_trajectory"`
	TargetStepIndex int    `json:"target_step_index"`
	IncludeThoughts bool   `json:"include_thoughts"`
	TotalSteps      int    `json:"total_steps"`
	// Task is the recorded task, if any.
	Task            string             `json:"task,omitempty"`
	ReplayedHistory []types.Message    `json:"replayed_history"`
	Actions         []types.ActionStat `json:"actions"`
	Mismatches      []types.Mismatch   `json:"mismatches"`
}

// Executed returns the number of actions the plan runs.
func (p *Plan) Executed() int {
	n := 0
	for _, a := range p.Actions {
		if a.Source != SourceSkipped {
			n++
		}
	}
	return n
}

// Options configures a Replayer.
type Options struct {
	Factory  tactile.Factory
	Renderer *prompt.Renderer
	Selector ActionSelector
	// VerifyObservations compares fresh observations with recorded ones.
	VerifyObservations bool
	// StartupCommand runs on the fresh backend before any replayed action.
	StartupCommand string
}

// Replayer builds replay plans against fresh backends.
type Replayer struct {
	opts Options
}

// New validates opts and returns a Replayer.
func New(opts Options) (*Replayer, error) {
	if opts.Factory == nil {
		return nil, fmt.Errorf("replay requires a backend factory")
	}
	if opts.Renderer == nil {
		return nil, fmt.Errorf("replay requires a template renderer")
	}
	if opts.Selector == nil {
		return nil, fmt.Errorf("replay requires an action selector")
	}
	return &Replayer{opts: opts}, nil
}

// Plan re-executes steps 0..target-1 of t on a freshly constructed backend,
// which is stopped before returning. Mismatching observations are recorded in
// the plan, never returned as errors.
func (r *Replayer) Plan(ctx context.Context, t *trajectory.Trajectory, target int, includeThoughts bool) (*Plan, error) {
	ctx, span := tracer.Start(ctx, "replay.plan")
	defer span.End()
	span.SetAttributes(attribute.Int("replay.target", target), attribute.Bool("replay.include_thoughts", includeThoughts))

	views := t.StepViews()
	if target < 0 {
		return nil, fmt.Errorf("target step must be >= 0, got %d", target)
	}
	if target > len(views) {
		return nil, fmt.Errorf("target step %d exceeds available steps %d", target, len(views))
	}

	timer := logging.StartTimer(logging.CategoryReplay, "Plan")
	defer timer.Stop()

	backend, err := r.opts.Factory.NewBackend()
	if err != nil {
		return nil, fmt.Errorf("failed to create replay backend: %w", err)
	}
	defer func() {
		if err := backend.Stop(context.WithoutCancel(ctx)); err != nil {
			logging.ReplayWarn("Failed to stop replay backend: %v", err)
		}
	}()
	if err := backend.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start replay backend: %w", err)
	}
	if err := RunStartup(ctx, backend, r.opts.StartupCommand); err != nil {
		return nil, err
	}

	history := t.HistoryThrough(target)
	if !includeThoughts {
		history = types.FilterThoughts(history)
	}
	plan := &Plan{
		Source:          t.Path,
		TargetStepIndex: target,
		IncludeThoughts: includeThoughts,
		TotalSteps:      len(views),
		Task:            t.Info.Task,
		ReplayedHistory: history,
		Actions:         make([]types.ActionStat, 0, target),
		Mismatches:      []types.Mismatch{},
	}

	for _, step := range views[:target] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		action, source, err := r.opts.Selector.SelectAction(step)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", step.Index, err)
		}
		if action == nil {
			plan.Actions = append(plan.Actions, types.ActionStat{Phase: "replay", StepIndex: step.Index, Source: SourceSkipped})
			continue
		}

		obs, err := backend.Execute(ctx, *action)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("step %d: replay execution failed: %w", step.Index, err)
		}
		plan.Actions = append(plan.Actions, stat(step.Index, *action, source, obs))

		if r.opts.VerifyObservations {
			if m, ok := r.compare(step, *action, obs); ok {
				plan.Mismatches = append(plan.Mismatches, m)
			}
		}
	}

	span.SetAttributes(attribute.Int("replay.mismatches", len(plan.Mismatches)))
	logging.Replay("Replayed %s to step %d/%d (%d actions, %d mismatches)",
		t.Path, target, len(views), plan.Executed(), len(plan.Mismatches))
	return plan, nil
}

// compare renders the fresh observation the way the live run would have and
// compares it with what was recorded.
func (r *Replayer) compare(step trajectory.StepView, action types.Action, obs types.Observation) (types.Mismatch, bool) {
	actual, err := r.feedback(action, obs)
	if err != nil {
		logging.ReplayWarn("Step %d: failed to render observation: %v", step.Index, err)
		return types.Mismatch{}, false
	}

	var expected string
	switch {
	case step.Record != nil && step.Record.Observation != nil:
		if expected, err = r.feedback(action, *step.Record.Observation); err != nil {
			return types.Mismatch{}, false
		}
	default:
		var ok bool
		if expected, ok = step.RecordedObservation(); !ok {
			return types.Mismatch{}, false
		}
	}
	if expected == actual {
		return types.Mismatch{}, false
	}
	logging.ReplayDebug("Step %d: observation mismatch", step.Index)
	return types.Mismatch{StepIndex: step.Index, Expected: expected, Actual: actual}, true
}

func (r *Replayer) feedback(action types.Action, obs types.Observation) (string, error) {
	if obs.TimedOut {
		return r.opts.Renderer.Timeout(action, obs)
	}
	return r.opts.Renderer.Observation(obs)
}

// Apply re-executes the plan's actions, in order, on a started backend. It
// returns fresh stats for the executed actions.
func Apply(ctx context.Context, plan *Plan, backend tactile.Backend) ([]types.ActionStat, error) {
	stats := make([]types.ActionStat, 0, len(plan.Actions))
	for _, a := range plan.Actions {
		if a.Source == SourceSkipped {
			continue
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		action := types.Action{Command: a.Action}
		obs, err := backend.Execute(ctx, action)
		if err != nil {
			return stats, fmt.Errorf("step %d: replay execution failed: %w", a.StepIndex, err)
		}
		stats = append(stats, stat(a.StepIndex, action, a.Source, obs))
	}
	return stats, nil
}

// RunStartup executes an optional setup command. A non-zero exit is an error.
func RunStartup(ctx context.Context, backend tactile.Backend, command string) error {
	if command == "" {
		return nil
	}
	obs, err := backend.Execute(ctx, types.Action{Command: command})
	if err != nil {
		return fmt.Errorf("startup command failed: %w", err)
	}
	if obs.TimedOut || obs.ExitCode() != 0 {
		return fmt.Errorf("startup command exited with %d: %s", obs.ExitCode(), obs.Output)
	}
	return nil
}

func stat(step int, action types.Action, source string, obs types.Observation) types.ActionStat {
	return types.ActionStat{
		Phase:      "replay",
		StepIndex:  step,
		Action:     action.Command,
		Source:     source,
		ReturnCode: obs.ReturnCode,
		OutputLen:  len(obs.Output),
	}
}
