package recorder

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"forkbench/internal/actions"
	"forkbench/internal/logging"
	"forkbench/internal/trajectory"
	"forkbench/internal/types"
)

// Sampler produces candidates for a prompt prefix.
type Sampler interface {
	Sample(ctx context.Context, prompt []types.Message, k int) ([]types.Candidate, error)
	Pool() []types.ModelIdentity
}

// OfflineOptions configures a pass over stored trajectories.
type OfflineOptions struct {
	Sampler   Sampler
	Extractor *actions.Extractor
	// Expert is used when a trajectory does not name its expert model.
	Expert types.ModelIdentity
	// RunID names the sidecar; empty derives a stable id per trajectory.
	RunID     string
	OutputDir string
	Overwrite bool
	Ledger    Ledger
}

// Summary describes one processed trajectory.
type Summary struct {
	Trajectory string `json:"trajectory"`
	Output     string `json:"output"`
	Steps      int    `json:"steps"`
	Sampled    int    `json:"sampled_steps"`
	Skipped    int    `json:"skipped_steps"`
	Records    int    `json:"records"`
	Error      string `json:"error,omitempty"`
}

// OfflineRunID is the stable run id used for a trajectory when none is given.
func OfflineRunID(trajectoryPath string) string {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte("forkbench:offline:"+trajectory.Stem(trajectoryPath)))
	return "offline-" + id.String()[:8]
}

// ProcessPath runs ProcessFile over a trajectory file or every trajectory
// under a directory, in sorted order. A failed file is reported in its
// summary and the pass moves on; it stops early only when ctx is done.
func ProcessPath(ctx context.Context, path string, opts OfflineOptions) ([]Summary, error) {
	files, err := trajectory.Find(path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no trajectories found at %s", path)
	}
	out := make([]Summary, 0, len(files))
	var errs []error
	for _, f := range files {
		s, err := ProcessFile(ctx, f, opts)
		out = append(out, s)
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	return out, errors.Join(errs...)
}

// ProcessFile re-samples candidates for every step of a stored trajectory
// whose executed action is known, and records them as rejected. Steps that
// already carry candidates are recorded as stored. The sidecar must not
// exist unless opts.Overwrite is set. It only appears, and the ledger is
// only updated, once every step has been recorded.
func ProcessFile(ctx context.Context, path string, opts OfflineOptions) (Summary, error) {
	sum := Summary{Trajectory: path}
	fail := func(err error) (Summary, error) {
		err = fmt.Errorf("%s: %w", path, err)
		sum.Error = err.Error()
		return sum, err
	}
	if opts.Sampler == nil || opts.Extractor == nil {
		return fail(fmt.Errorf("offline recording requires a sampler and an extractor"))
	}
	t, err := trajectory.Load(path)
	if err != nil {
		return fail(err)
	}

	expert := offlineExpert(t, opts.Expert)
	pool := opts.Sampler.Pool()
	for _, m := range pool {
		if expert.Same(m) {
			return fail(&types.ModelPoolViolationError{Expert: expert, Member: m})
		}
	}

	runID := opts.RunID
	if runID == "" {
		runID = OfflineRunID(path)
	}
	sum.Output = SidecarPath(opts.OutputDir, path, runID)
	w, err := OpenStagedWriter(sum.Output, opts.Overwrite)
	if err != nil {
		return fail(err)
	}
	pending := &pendingLedger{}
	rec := New(Options{
		Expert: expert,
		Pool:   pool,
		RunID:  runID,
		Mode:   types.ModeOffline,
		Writer: w,
		Ledger: pending,
	})

	if err := process(ctx, t, opts, expert, rec, &sum); err != nil {
		if derr := w.Discard(); derr != nil {
			logging.RecorderWarn("Discarding sidecar for %s: %v", path, derr)
		}
		return fail(err)
	}
	if err := w.Commit(); err != nil {
		return fail(err)
	}
	sum.Records = rec.Written()
	if opts.Ledger != nil && len(pending.records) > 0 {
		if err := opts.Ledger.RecordRejected(ctx, pending.records); err != nil {
			logging.RecorderWarn("Failed to index rejected actions for %s: %v", path, err)
		}
	}
	logging.Recorder("Offline: %s -> %s (%d records, %d/%d steps sampled)",
		path, sum.Output, sum.Records, sum.Sampled, sum.Steps)
	return sum, nil
}

// offlineExpert prefers the expert the trajectory recorded. A recorded name
// without an implementation borrows the fallback's when the names agree.
func offlineExpert(t *trajectory.Trajectory, fallback types.ModelIdentity) types.ModelIdentity {
	id := t.Info.ExpertModel
	if id == nil || id.Name == "" {
		return fallback
	}
	expert := *id
	if expert.Implementation == "" && expert.Name == fallback.Name {
		expert.Implementation = fallback.Implementation
	}
	return expert
}

// pendingLedger holds records until the sidecar is committed.
type pendingLedger struct {
	records []types.RejectedActionRecord
}

func (p *pendingLedger) RecordRejected(_ context.Context, records []types.RejectedActionRecord) error {
	p.records = append(p.records, records...)
	return nil
}

func process(ctx context.Context, t *trajectory.Trajectory, opts OfflineOptions, expert types.ModelIdentity, rec *Recorder, sum *Summary) error {
	views := t.StepViews()
	sum.Steps = len(views)
	for _, v := range views {
		if err := ctx.Err(); err != nil {
			return err
		}
		step, ok, err := offlineStep(ctx, t, v, opts, expert)
		if err != nil {
			return err
		}
		if !ok {
			sum.Skipped++
			continue
		}
		if _, err := rec.Record(ctx, step); err != nil {
			return err
		}
		sum.Sampled++
	}
	return nil
}

// offlineStep rebuilds the decision at v. ok is false when the executed action
// cannot be recovered.
func offlineStep(ctx context.Context, t *trajectory.Trajectory, v trajectory.StepView, opts OfflineOptions, expert types.ModelIdentity) (*types.Step, bool, error) {
	if r := v.Record; r != nil {
		if !r.Executed() {
			return nil, false, nil
		}
		if len(r.Candidates) > 0 {
			s := *r
			return &s, true, nil
		}
	}

	var action types.Action
	if v.Record != nil {
		action = *v.Record.ExpertAction
	} else {
		a, err := opts.Extractor.Extract(v.Assistant().Content)
		if err != nil {
			logging.RecorderDebug("Step %d: no executable action, skipping", v.Index)
			return nil, false, nil
		}
		action = a
	}

	prefix := types.CloneMessages(t.Messages[:v.Start])
	candidates, err := opts.Sampler.Sample(ctx, prefix, 0)
	if err != nil {
		return nil, false, fmt.Errorf("step %d: %w", v.Index, err)
	}
	return &types.Step{
		Index:         v.Index,
		ExpertModelID: expert.ID(),
		ExpertAction:  &action,
		Candidates:    candidates,
		SelectedIndex: types.SelectedExpert,
	}, true, nil
}
