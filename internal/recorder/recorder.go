// Package recorder persists the candidates a step did not execute, with the
// identity of the model that proposed them.
package recorder

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"forkbench/internal/logging"
	"forkbench/internal/trajectory"
	"forkbench/internal/types"
)

// Suffix is the extension of rejected-action sidecars.
const Suffix = ".jsonl"

// Ledger indexes written records. It is optional.
type Ledger interface {
	RecordRejected(ctx context.Context, records []types.RejectedActionRecord) error
}

// Options configures a Recorder.
type Options struct {
	Expert types.ModelIdentity
	// Pool lists the candidate models; their implementations are checked
	// against the expert as well as their names.
	Pool   []types.ModelIdentity
	RunID  string
	Mode   types.RecordMode
	Writer *Writer
	Ledger Ledger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Recorder turns finalised steps into rejected-action records.
type Recorder struct {
	opts            Options
	implementations map[string]string
	written         int
}

// New builds a recorder. The writer may be nil to only build records.
func New(opts Options) *Recorder {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	impl := make(map[string]string, len(opts.Pool))
	for _, id := range opts.Pool {
		impl[id.Name] = id.Implementation
	}
	return &Recorder{opts: opts, implementations: impl}
}

// Build returns one record per candidate except the selected one. A candidate
// attributed to the expert model, by name or by implementation, is a
// *types.ProvenanceError and no records are returned.
func (r *Recorder) Build(step *types.Step, mode types.RecordMode) ([]types.RejectedActionRecord, error) {
	if len(step.Candidates) == 0 {
		return nil, nil
	}
	var expertAction string
	if step.ExpertAction != nil {
		expertAction = step.ExpertAction.Command
	}
	ts := r.opts.Now().UTC()

	out := make([]types.RejectedActionRecord, 0, len(step.Candidates))
	for i, c := range step.Candidates {
		if i == step.SelectedIndex {
			continue
		}
		if r.fromExpert(step, c.SourceModelID) {
			return nil, &types.ProvenanceError{StepIndex: step.Index, ModelID: c.SourceModelID}
		}
		rec := types.RejectedActionRecord{
			RunID:           r.opts.RunID,
			StepIndex:       step.Index,
			ExpertAction:    expertAction,
			RejectedModelID: c.SourceModelID,
			CandidateIndex:  i,
			Valid:           c.Valid,
			Mode:            mode,
			Timestamp:       ts,
		}
		if c.Action != nil {
			rec.RejectedAction = c.Action.Command
		} else {
			rec.RejectedAction = c.RawText
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Recorder) fromExpert(step *types.Step, id string) bool {
	expert := r.opts.Expert
	if id == "" {
		return false
	}
	if id == expert.Name || (step.ExpertModelID != "" && id == step.ExpertModelID) {
		return true
	}
	impl, ok := r.implementations[id]
	return ok && impl != "" && impl == expert.Implementation
}

// Record builds the step's records in the recorder's mode and writes them.
func (r *Recorder) Record(ctx context.Context, step *types.Step) ([]types.RejectedActionRecord, error) {
	records, err := r.Build(step, r.opts.Mode)
	if err != nil {
		logging.RecorderError("Refusing to record step %d: %v", step.Index, err)
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	if r.opts.Writer != nil {
		if err := r.opts.Writer.Write(ctx, records); err != nil {
			return nil, err
		}
	}
	if r.opts.Ledger != nil {
		if err := r.opts.Ledger.RecordRejected(ctx, records); err != nil {
			logging.RecorderWarn("Failed to index rejected actions for step %d: %v", step.Index, err)
		}
	}
	r.written += len(records)
	logging.RecorderDebug("Step %d: recorded %d rejected actions", step.Index, len(records))
	return records, nil
}

// StepDone lets a Recorder observe a live run.
func (r *Recorder) StepDone(ctx context.Context, step *types.Step) error {
	_, err := r.Record(ctx, step)
	return err
}

// Written returns the number of records written so far.
func (r *Recorder) Written() int { return r.written }

// Close closes the writer, if any.
func (r *Recorder) Close() error {
	if r.opts.Writer == nil {
		return nil
	}
	return r.opts.Writer.Close()
}

// SidecarPath returns <dir>/<stem>.rejected.<runID>.jsonl for a trajectory.
// An empty dir places the sidecar next to the trajectory.
func SidecarPath(dir, trajectoryPath, runID string) string {
	if dir == "" {
		dir = filepath.Dir(trajectoryPath)
	}
	return filepath.Join(dir, fmt.Sprintf("%s.rejected.%s%s", trajectory.Stem(trajectoryPath), sanitize(runID), Suffix))
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, id)
}

// OpenOnline opens the append-mode sidecar for a live run.
func OpenOnline(opts Options, dir, trajectoryPath string) (*Recorder, error) {
	w, err := OpenWriter(SidecarPath(dir, trajectoryPath, opts.RunID))
	if err != nil {
		return nil, err
	}
	opts.Mode = types.ModeOnline
	opts.Writer = w
	logging.Recorder("Recording rejected actions to %s", w.Path())
	return New(opts), nil
}
