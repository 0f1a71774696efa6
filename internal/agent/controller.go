// Package agent implements the step controller and the run loop around it.
//
// One step:
//
//	AwaitingPrompt -> SamplingExpert -> [SamplingCandidates -> Verifying]
//	  -> ExecutingAction -> RecordingObservation -> Done
//
// with LimitExceeded and FormatError as the other terminal states.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"forkbench/internal/actions"
	"forkbench/internal/config"
	"forkbench/internal/logging"
	"forkbench/internal/perception"
	"forkbench/internal/prompt"
	"forkbench/internal/sampler"
	"forkbench/internal/tactile"
	"forkbench/internal/types"
	"forkbench/internal/verifier"
)

var tracer = otel.Tracer("forkbench/agent")

// StepSink receives every finalised step. An error halts the run.
type StepSink interface {
	StepDone(ctx context.Context, step *types.Step) error
}

// ControllerOptions wires a StepController.
type ControllerOptions struct {
	Expert    perception.Model
	Params    types.SamplingParams
	Extractor *actions.Extractor
	Renderer  *prompt.Renderer
	Backend   tactile.Backend

	// Sampler enables alternative-action sampling when set. Verifier is
	// required with it.
	Sampler       *sampler.CandidateSampler
	Verifier      verifier.Verifier
	IncludeExpert bool

	Limits                  Limits
	AddFormatErrorToHistory bool
	Sink                    StepSink
}

// StepController runs one decision at a time against a RunContext.
type StepController struct {
	opts   ControllerOptions
	expert types.ModelIdentity
}

// NewStepController validates opts.
func NewStepController(opts ControllerOptions) (*StepController, error) {
	switch {
	case opts.Expert == nil:
		return nil, fmt.Errorf("step controller requires an expert model")
	case opts.Extractor == nil:
		return nil, fmt.Errorf("step controller requires an action extractor")
	case opts.Renderer == nil:
		return nil, fmt.Errorf("step controller requires a template renderer")
	case opts.Backend == nil:
		return nil, fmt.Errorf("step controller requires an execution backend")
	case opts.Sampler != nil && opts.Verifier == nil:
		return nil, fmt.Errorf("candidate sampling requires a verifier")
	}
	return &StepController{opts: opts, expert: opts.Expert.Identity()}, nil
}

// Expert returns the identity of the decision-making model.
func (c *StepController) Expert() types.ModelIdentity { return c.expert }

// StepResult is the outcome of one Step call.
type StepResult struct {
	// Step is nil when the limits were already exhausted.
	Step *types.Step
	// Final is the last state reached.
	Final StepState
	// Trace lists every state entered, in order.
	Trace []StepState
	// Outcome is set when the run must end (Submitted or LimitsExceeded).
	Outcome    types.Outcome
	Submission string
}

func (r *StepResult) enter(s StepState) {
	r.Trace = append(r.Trace, s)
	r.Final = s
}

// Step advances rc by one decision. It executes at most one action. Errors
// are returned for cancellation, model or backend failures and sink
// failures; recoverable conditions are reported in the step.
func (c *StepController) Step(ctx context.Context, rc *RunContext) (*StepResult, error) {
	res := &StepResult{}
	index := len(rc.Steps)

	ctx, span := tracer.Start(ctx, "agent.step")
	defer span.End()
	span.SetAttributes(attribute.Int("step.index", index), attribute.String("run.id", rc.RunID))

	// 1. AwaitingPrompt
	res.enter(StateAwaitingPrompt)
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if c.opts.Limits.Exceeded(rc) {
		res.enter(StateLimitExceeded)
		res.Outcome = types.OutcomeLimitsExceeded
		logging.Agent("Run %s: limits exceeded at step %d (cost=%.4f)", rc.RunID, index, rc.Cost)
		return res, nil
	}
	snapshot := rc.Snapshot()
	step := &types.Step{
		Index:         index,
		PromptContext: snapshot,
		ExpertModelID: c.expert.ID(),
		SelectedIndex: types.SelectedNone,
		StartedAt:     time.Now().UTC(),
	}
	res.Step = step

	// 2. SamplingExpert
	res.enter(StateSamplingExpert)
	resp, err := c.opts.Expert.Query(ctx, snapshot, c.opts.Params)
	rc.charge(resp.Cost, 1)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("step %d: expert query failed: %w", index, err)
	}
	step.ExpertOutput = resp.Text
	expertAction, expertErr := c.opts.Extractor.Validate(resp.Text)
	expert := types.Candidate{
		SourceModelID: c.expert.ID(),
		RawText:       resp.Text,
		Action:        expertAction,
		Valid:         expertAction != nil,
		Error:         expertErr,
		Cost:          resp.Cost,
	}

	selected := types.SelectedExpert
	proposal := resp.Text
	if c.opts.Sampler != nil {
		// 3. SamplingCandidates
		res.enter(StateSamplingCandidates)
		candidates, err := c.opts.Sampler.Sample(ctx, snapshot, 0)
		if err != nil {
			return res, fmt.Errorf("step %d: candidate sampling: %w", index, err)
		}
		for _, cand := range candidates {
			rc.charge(cand.Cost, 1)
		}
		step.Candidates = candidates

		// 4. Verifying
		res.enter(StateVerifying)
		sel, vres, err := verifier.Choose(ctx, c.opts.Verifier, candidates, &expert, c.opts.IncludeExpert, verifier.Request{
			StepIndex: index,
			Task:      rc.Task,
			History:   snapshot,
		})
		rc.charge(vres.Cost, vres.Calls)
		if err != nil {
			return res, fmt.Errorf("step %d: verifier: %w", index, err)
		}
		info := vres.Info
		step.Verifier = &info
		selected = sel
		if sel >= 0 {
			proposal = candidates[sel].RawText
			expertAction = candidates[sel].Action
		} else {
			if sel == types.SelectedNone {
				logging.AgentDebug("Step %d: verifier found no valid candidate, using expert action", index)
			}
			selected = types.SelectedExpert
		}
	}

	rc.History = append(rc.History, types.Assistant(proposal))

	if expertAction == nil {
		step.SelectedIndex = types.SelectedNone
		step.Condition = types.OutcomeFormatError
		res.enter(StateFormatError)
		if c.opts.AddFormatErrorToHistory {
			msg, err := c.opts.Renderer.FormatError(expertErr)
			if err != nil {
				return res, fmt.Errorf("step %d: %w", index, err)
			}
			rc.History = append(rc.History, types.User(msg))
		}
		logging.AgentDebug("Step %d: format error: %s", index, expertErr)
		return res, c.finish(ctx, rc, res)
	}
	step.SelectedIndex = selected
	action := *expertAction
	step.ExpertAction = &action

	// 5. ExecutingAction
	res.enter(StateExecutingAction)
	obs, err := c.opts.Backend.Execute(ctx, action)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("step %d: execution failed: %w", index, err)
	}

	// 6. RecordingObservation
	res.enter(StateRecordingObservation)
	step.Observation = &obs
	var feedback string
	switch {
	case obs.TimedOut:
		step.Condition = types.OutcomeExecutionTimeout
		feedback, err = c.opts.Renderer.Timeout(action, obs)
	default:
		if submission, ok := Submission(obs); ok {
			res.Outcome = types.OutcomeSubmitted
			res.Submission = submission
			break
		}
		feedback, err = c.opts.Renderer.Observation(obs)
	}
	if err != nil {
		return res, fmt.Errorf("step %d: %w", index, err)
	}
	if feedback != "" {
		rc.History = append(rc.History, types.User(feedback))
	}

	res.enter(StateDone)
	span.SetAttributes(attribute.Int("step.selected", step.SelectedIndex), attribute.Int("step.candidates", len(step.Candidates)))
	return res, c.finish(ctx, rc, res)
}

func (c *StepController) finish(ctx context.Context, rc *RunContext, res *StepResult) error {
	step := res.Step
	step.FinishedAt = time.Now().UTC()
	rc.Steps = append(rc.Steps, *step)
	if c.opts.Sink == nil {
		return nil
	}
	if err := c.opts.Sink.StepDone(ctx, step); err != nil {
		return fmt.Errorf("step %d: %w", step.Index, err)
	}
	return nil
}

// Submission reports whether obs ends the run. The first output line must be
// the submit sentinel and the command must have exited 0; the remaining
// output is the submission.
func Submission(obs types.Observation) (string, bool) {
	if obs.ExitCode() != 0 {
		return "", false
	}
	out := strings.TrimLeft(obs.Output, " \t\r\n")
	first, rest, _ := strings.Cut(out, "\n")
	if strings.TrimSpace(first) != config.SubmitSentinel {
		return "", false
	}
	return rest, true
}

// IsCanceled reports whether err comes from a canceled or expired run
// context.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
