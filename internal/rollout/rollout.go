// Package rollout branches independent continuations from a replayed step of
// a stored trajectory.
package rollout

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"forkbench/internal/actions"
	"forkbench/internal/agent"
	"forkbench/internal/logging"
	"forkbench/internal/prompt"
	"forkbench/internal/replay"
	"forkbench/internal/tactile"
	"forkbench/internal/trajectory"
	"forkbench/internal/types"
)

var tracer = otel.Tracer("forkbench/rollout")

// SummaryFile is the name of the rollout summary JSONL.
const SummaryFile = "rollouts.jsonl"

// Ledger indexes rollout records. It is optional.
type Ledger interface {
	RecordRollout(ctx context.Context, r types.RolloutRecord) error
}

// Options wires a Runner.
type Options struct {
	Factory   tactile.Factory
	Replayer  *replay.Replayer
	Renderer  *prompt.Renderer
	Extractor *actions.Extractor
	// StartupCommand runs on every rollout backend before the replayed actions.
	StartupCommand string
	// OutputDir receives rollouts.jsonl and one directory per trajectory.
	// Empty disables file output.
	OutputDir string
	Ledger    Ledger
	CostLimit float64
	// Snapshot is stored as info.config in rollout trajectories.
	Snapshot map[string]any
}

// Request describes one batch of rollouts from one step.
type Request struct {
	Trajectory      *trajectory.Trajectory
	TargetStep      int
	Rollouts        int
	StepBudget      int
	IncludeThoughts bool
	Workers         int
	Provider        Provider
	Params          types.SamplingParams
}

// Runner samples rollouts. One Runner may serve many requests.
type Runner struct {
	opts Options

	mu      sync.Mutex
	summary *os.File
}

// New validates opts.
func New(opts Options) (*Runner, error) {
	switch {
	case opts.Factory == nil:
		return nil, fmt.Errorf("rollouts require a backend factory")
	case opts.Replayer == nil:
		return nil, fmt.Errorf("rollouts require a replayer")
	case opts.Renderer == nil:
		return nil, fmt.Errorf("rollouts require a template renderer")
	case opts.Extractor == nil:
		return nil, fmt.Errorf("rollouts require an action extractor")
	}
	return &Runner{opts: opts}, nil
}

// Close closes the summary file.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.summary == nil {
		return nil
	}
	err := r.summary.Close()
	r.summary = nil
	return err
}

// SampleRollouts replays req.Trajectory to req.TargetStep once and branches
// req.Rollouts isolated continuations from it. The replay plan failing is an
// error; individual rollout failures are reported in their records. The
// result always holds one record per requested rollout, in rollout order.
func (r *Runner) SampleRollouts(ctx context.Context, req Request) ([]types.RolloutRecord, error) {
	if req.Trajectory == nil {
		return nil, fmt.Errorf("rollout request has no trajectory")
	}
	if req.Provider == nil {
		return nil, fmt.Errorf("rollout request has no action provider")
	}
	if req.Rollouts < 1 {
		return nil, fmt.Errorf("rollout count must be >= 1, got %d", req.Rollouts)
	}
	if req.StepBudget < 1 {
		return nil, fmt.Errorf("rollout step budget must be >= 1, got %d", req.StepBudget)
	}
	workers := req.Workers
	if workers < 1 {
		workers = 1
	}

	timer := logging.StartTimer(logging.CategoryRollout, "SampleRollouts")
	defer timer.Stop()

	plan, err := r.opts.Replayer.Plan(ctx, req.Trajectory, req.TargetStep, req.IncludeThoughts)
	if err != nil {
		return nil, fmt.Errorf("failed to replay %s to step %d: %w", req.Trajectory.Path, req.TargetStep, err)
	}
	if len(plan.Mismatches) > 0 {
		logging.RolloutWarn("Replay of %s diverged at %d steps", req.Trajectory.Path, len(plan.Mismatches))
	}

	records := make([]types.RolloutRecord, req.Rollouts)
	g := new(errgroup.Group)
	g.SetLimit(workers)
	for i := range records {
		g.Go(func() error {
			records[i] = r.run(ctx, req, plan, i)
			r.emit(ctx, records[i])
			return nil
		})
	}
	_ = g.Wait()

	counts := make(map[types.Outcome]int)
	for _, rec := range records {
		counts[rec.Outcome]++
	}
	logging.Rollout("Rollouts from %s@%d done: %v", req.Trajectory.Path, req.TargetStep, counts)
	return records, nil
}

// run executes rollout i. It never returns an error: every failure becomes
// the rollout's outcome.
func (r *Runner) run(ctx context.Context, req Request, plan *replay.Plan, i int) (rec types.RolloutRecord) {
	start := time.Now()
	rec = types.RolloutRecord{
		SourceTrajectory:  req.Trajectory.Path,
		SourceStepIndex:   req.TargetStep,
		RolloutIndex:      i,
		IncludeThoughts:   req.IncludeThoughts,
		ActionSource:      req.Provider.Source(),
		SamplingParams:    req.Params,
		RolloutStepBudget: req.StepBudget,
		Actions:           []types.ActionStat{},
		Mismatches:        plan.Mismatches,
	}
	defer func() { rec.DurationSeconds = time.Since(start).Seconds() }()

	ctx, span := tracer.Start(ctx, "rollout.run")
	defer span.End()
	span.SetAttributes(attribute.Int("rollout.index", i), attribute.Int("rollout.source_step", req.TargetStep))
	defer func() { span.SetAttributes(attribute.String("rollout.outcome", string(rec.Outcome))) }()

	fail := func(err error) types.RolloutRecord {
		rec.Outcome = types.OutcomeError
		rec.Error = err.Error()
		if ctx.Err() != nil && agent.IsCanceled(err) {
			rec.Error = "canceled"
		}
		logging.RolloutWarn("Rollout %d of %s failed: %s", i, req.Trajectory.Path, rec.Error)
		return rec
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	model, err := req.Provider.Model(i)
	if err != nil {
		return fail(err)
	}
	rec.Model = model.Identity()

	backend, err := r.opts.Factory.NewBackend()
	if err != nil {
		return fail(fmt.Errorf("failed to create backend: %w", err))
	}
	defer func() {
		if err := backend.Stop(context.WithoutCancel(ctx)); err != nil {
			logging.RolloutWarn("Rollout %d: failed to stop backend: %v", i, err)
		}
	}()
	if err := backend.Start(ctx); err != nil {
		return fail(fmt.Errorf("failed to start backend: %w", err))
	}
	if err := replay.RunStartup(ctx, backend, r.opts.StartupCommand); err != nil {
		return fail(err)
	}
	replayed, err := replay.Apply(ctx, plan, backend)
	rec.Actions = append(rec.Actions, replayed...)
	rec.ReplayedSteps = len(replayed)
	if err != nil {
		return fail(err)
	}

	ctrl, err := agent.NewStepController(agent.ControllerOptions{
		Expert:    model,
		Params:    req.Params,
		Extractor: r.opts.Extractor,
		Renderer:  r.opts.Renderer,
		Backend:   backend,
		Limits:    agent.Limits{StepLimit: req.StepBudget, CostLimit: r.opts.CostLimit},
	})
	if err != nil {
		return fail(err)
	}
	runID := fmt.Sprintf("%s-s%d-r%04d", trajectory.Stem(req.Trajectory.Path), req.TargetStep, i)
	rc := agent.NewRunContext(runID, plan.Task, plan.ReplayedHistory)
	res, err := agent.New(ctrl, agent.RunOptions{StopOnFormatError: true, StopOnTimeout: true}).Continue(ctx, rc)
	if err != nil {
		return fail(err)
	}

	rec.Outcome = res.Outcome
	rec.Error = res.Error
	rec.Submission = res.Submission
	rec.Cost = res.Cost
	rec.ModelCalls = res.Calls
	rec.RolloutSteps = len(rc.Steps)
	for _, s := range rc.Steps {
		if !s.Executed() {
			continue
		}
		st := types.ActionStat{
			Phase:     "rollout",
			StepIndex: plan.TargetStepIndex + s.Index,
			Action:    s.ExpertAction.Command,
			Source:    req.Provider.Source(),
		}
		if s.Observation != nil {
			st.ReturnCode = s.Observation.ReturnCode
			st.OutputLen = len(s.Observation.Output)
		}
		rec.Actions = append(rec.Actions, st)
	}

	if r.opts.OutputDir != "" {
		path := filepath.Join(r.opts.OutputDir, trajectory.Stem(req.Trajectory.Path), fmt.Sprintf("rollout_%04d%s", i, trajectory.Extension))
		rec.OutputPath = path
		if err := r.save(path, rc, res, plan, ctrl.Expert(), rec); err != nil {
			logging.RolloutError("Rollout %d: %v", i, err)
			rec.OutputPath = ""
		}
	}
	logging.RolloutDebug("Rollout %d of %s ended %s after %d steps", i, req.Trajectory.Path, rec.Outcome, rec.RolloutSteps)
	return rec
}

// save writes the rollout trajectory. Replayed decisions get minimal step
// records so that records line up with the assistant messages in the history.
func (r *Runner) save(path string, rc *agent.RunContext, res *agent.Result, plan *replay.Plan, model types.ModelIdentity, rec types.RolloutRecord) error {
	t := agent.Trajectory(rc, res, model, r.opts.Snapshot)
	offset := 0
	if assistantMessages(plan.ReplayedHistory) == plan.TargetStepIndex {
		offset = plan.TargetStepIndex
	}
	steps := make([]types.Step, 0, offset+len(t.Steps))
	if offset > 0 {
		for _, a := range plan.Actions {
			s := types.Step{Index: a.StepIndex, SelectedIndex: types.SelectedNone}
			if a.Source != replay.SourceSkipped {
				s.SelectedIndex = types.SelectedExpert
				s.ExpertAction = &types.Action{Command: a.Action}
			}
			steps = append(steps, s)
		}
	}
	for _, s := range t.Steps {
		s.Index += plan.TargetStepIndex
		steps = append(steps, s)
	}
	t.Steps = steps
	t.Info.Rollout = &rec
	return trajectory.Save(path, t)
}

func assistantMessages(msgs []types.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role == types.RoleAssistant {
			n++
		}
	}
	return n
}

// emit appends rec to the summary file and the ledger.
func (r *Runner) emit(ctx context.Context, rec types.RolloutRecord) {
	if r.opts.Ledger != nil {
		if err := r.opts.Ledger.RecordRollout(context.WithoutCancel(ctx), rec); err != nil {
			logging.RolloutWarn("Failed to index rollout %d: %v", rec.RolloutIndex, err)
		}
	}
	if r.opts.OutputDir == "" {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		logging.RolloutError("Failed to encode rollout %d: %v", rec.RolloutIndex, err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.summary == nil {
		if err := os.MkdirAll(r.opts.OutputDir, 0755); err != nil {
			logging.RolloutError("Failed to create %s: %v", r.opts.OutputDir, err)
			return
		}
		f, err := os.OpenFile(filepath.Join(r.opts.OutputDir, SummaryFile), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			logging.RolloutError("Failed to open rollout summary: %v", err)
			return
		}
		r.summary = f
	}
	if _, err := r.summary.Write(append(data, '\n')); err != nil {
		logging.RolloutError("Failed to write rollout summary: %v", err)
	}
}
