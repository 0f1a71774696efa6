package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"forkbench/internal/logging"
	"forkbench/internal/prompt"
	"forkbench/internal/trajectory"
	"forkbench/internal/types"
)

// RunOptions controls how conditions end a run.
type RunOptions struct {
	// StopOnFormatError ends the run at the first format error instead of
	// feeding it back to the model.
	StopOnFormatError bool
	// StopOnTimeout ends the run at the first execution timeout.
	StopOnTimeout bool
}

// Result is the terminal state of a run.
type Result struct {
	RunID      string        `json:"run_id"`
	Outcome    types.Outcome `json:"outcome"`
	Submission string        `json:"submission,omitempty"`
	// Error carries the failure reason for OutcomeError.
	Error    string        `json:"error,omitempty"`
	Steps    int           `json:"steps"`
	Cost     float64       `json:"cost"`
	Calls    int           `json:"api_calls"`
	Duration time.Duration `json:"duration_ns"`
}

// Agent drives a StepController until a terminal outcome.
type Agent struct {
	ctrl     *StepController
	renderer *prompt.Renderer
	opts     RunOptions
}

// New builds an agent around ctrl.
func New(ctrl *StepController, opts RunOptions) *Agent {
	return &Agent{ctrl: ctrl, renderer: ctrl.opts.Renderer, opts: opts}
}

// Controller returns the step controller.
func (a *Agent) Controller() *StepController { return a.ctrl }

// Start renders the preamble for task and returns a fresh run context. An
// empty runID gets a generated one.
func (a *Agent) Start(runID, task string) (*RunContext, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	preamble, err := a.renderer.Preamble(task)
	if err != nil {
		return nil, err
	}
	return NewRunContext(runID, task, preamble), nil
}

// Run starts a run for task and drives it to completion. The returned error
// is non-nil only for failures that must halt the caller (a provenance
// violation); everything else is classified in the Result.
func (a *Agent) Run(ctx context.Context, runID, task string) (*RunContext, *Result, error) {
	rc, err := a.Start(runID, task)
	if err != nil {
		return nil, nil, err
	}
	res, err := a.Continue(ctx, rc)
	return rc, res, err
}

// Continue drives rc until a terminal outcome.
func (a *Agent) Continue(ctx context.Context, rc *RunContext) (*Result, error) {
	start := time.Now()
	res := &Result{RunID: rc.RunID}
	defer func() {
		res.Steps = len(rc.Steps)
		res.Cost = rc.Cost
		res.Calls = rc.Calls
		res.Duration = time.Since(start)
	}()

	logging.Agent("Run %s started (history=%d messages)", rc.RunID, len(rc.History))
	for {
		sr, err := a.ctrl.Step(ctx, rc)
		if err != nil {
			res.Outcome = types.OutcomeError
			res.Error = err.Error()
			switch {
			case ctx.Err() != nil && IsCanceled(err):
				res.Error = "canceled"
				logging.AgentWarn("Run %s canceled after %d steps", rc.RunID, len(rc.Steps))
				return res, nil
			case errors.Is(err, types.ErrProvenanceViolation):
				logging.AgentError("Run %s halted: %v", rc.RunID, err)
				return res, err
			default:
				logging.AgentError("Run %s failed: %v", rc.RunID, err)
				return res, nil
			}
		}

		if sr.Outcome.Terminal() {
			res.Outcome = sr.Outcome
			res.Submission = sr.Submission
			logging.Agent("Run %s ended %s after %d steps (cost=%.4f)", rc.RunID, res.Outcome, len(rc.Steps), rc.Cost)
			return res, nil
		}

		switch cond := sr.Step.Condition; {
		case cond == types.OutcomeFormatError && a.opts.StopOnFormatError,
			cond == types.OutcomeExecutionTimeout && a.opts.StopOnTimeout:
			res.Outcome = cond
			logging.Agent("Run %s ended %s at step %d", rc.RunID, cond, sr.Step.Index)
			return res, nil
		}
	}
}

// Trajectory assembles the record of a run. Prompt contexts are dropped from
// the stored steps since they are recoverable from the message history.
func Trajectory(rc *RunContext, res *Result, expert types.ModelIdentity, snapshot map[string]any) *trajectory.Trajectory {
	steps := make([]types.Step, len(rc.Steps))
	for i, s := range rc.Steps {
		s.PromptContext = nil
		steps[i] = s
	}
	t := &trajectory.Trajectory{
		Messages: types.CloneMessages(rc.History),
		Steps:    steps,
		Format:   trajectory.FormatStructured,
		Info: trajectory.Info{
			RunID:       rc.RunID,
			Task:        rc.Task,
			ExpertModel: &expert,
			ModelStats: trajectory.ModelStats{
				InstanceCost: rc.Cost,
				APICalls:     rc.Calls,
				Steps:        len(rc.Steps),
			},
			Config: snapshot,
		},
	}
	if res != nil {
		t.Info.ExitStatus = res.Outcome
		t.Info.Submission = res.Submission
		t.Info.Error = res.Error
	}
	return t
}

// SaveTrajectory writes the run record to path.
func SaveTrajectory(path string, rc *RunContext, res *Result, expert types.ModelIdentity, snapshot map[string]any) error {
	if err := trajectory.Save(path, Trajectory(rc, res, expert, snapshot)); err != nil {
		return fmt.Errorf("failed to save trajectory for run %s: %w", rc.RunID, err)
	}
	logging.Agent("Saved trajectory %s", path)
	return nil
}
