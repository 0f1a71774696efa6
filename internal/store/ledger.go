// Package store provides the SQLite ledger that indexes the records forkbench
// produces: rejected actions and rollout summaries.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"forkbench/internal/logging"
	"forkbench/internal/types"
)

// Ledger is a SQLite index of produced records. It is safe for concurrent use.
type Ledger struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// Open opens or creates the ledger at path. ":memory:" gives a private
// in-memory ledger.
func Open(path string) (*Ledger, error) {
	timer := logging.StartTimer(logging.CategoryStore, "OpenLedger")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	// One connection keeps an in-memory database alive and serialises writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
		}
	}

	l := &Ledger{db: db, path: path}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	logging.Store("Ledger ready at %s", path)
	return l, nil
}

func (l *Ledger) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS rejected_actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			candidate_index INTEGER NOT NULL,
			expert_action TEXT NOT NULL,
			rejected_action TEXT NOT NULL,
			rejected_model_id TEXT NOT NULL,
			valid INTEGER NOT NULL,
			mode TEXT NOT NULL,
			recorded_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rejected_model ON rejected_actions(rejected_model_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rejected_run ON rejected_actions(run_id, step_index)`,
		`CREATE TABLE IF NOT EXISTS rollouts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_trajectory TEXT NOT NULL,
			source_step INTEGER NOT NULL,
			rollout_index INTEGER NOT NULL,
			model_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			rollout_steps INTEGER NOT NULL,
			cost REAL NOT NULL,
			output_path TEXT,
			record TEXT NOT NULL,
			recorded_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rollouts_source ON rollouts(source_trajectory, source_step)`,
	}
	for _, stmt := range statements {
		if _, err := l.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the database path.
func (l *Ledger) Path() string { return l.path }

// Close closes the database.
func (l *Ledger) Close() error { return l.db.Close() }

// RecordRejected inserts rejected-action records in one transaction.
func (l *Ledger) RecordRejected(ctx context.Context, records []types.RejectedActionRecord) error {
	if len(records) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO rejected_actions
		(run_id, step_index, candidate_index, expert_action, rejected_action, rejected_model_id, valid, mode, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		ts := r.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, r.RunID, r.StepIndex, r.CandidateIndex, r.ExpertAction,
			r.RejectedAction, r.RejectedModelID, r.Valid, string(r.Mode), ts); err != nil {
			return fmt.Errorf("failed to insert rejected action: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rejected actions: %w", err)
	}
	logging.StoreDebug("Indexed %d rejected actions", len(records))
	return nil
}

// RecordRollout inserts one rollout summary. The full record is kept as JSON.
func (l *Ledger) RecordRollout(ctx context.Context, r types.RolloutRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal rollout record: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err = l.db.ExecContext(ctx, `INSERT INTO rollouts
		(source_trajectory, source_step, rollout_index, model_id, outcome, rollout_steps, cost, output_path, record, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SourceTrajectory, r.SourceStepIndex, r.RolloutIndex, r.Model.ID(), string(r.Outcome),
		r.RolloutSteps, r.Cost, r.OutputPath, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert rollout: %w", err)
	}
	return nil
}

// OutcomeCounts returns the number of rollouts per outcome. Every terminal
// outcome is present, with zero when unseen.
func (l *Ledger) OutcomeCounts(ctx context.Context) (map[types.Outcome]int, error) {
	out := make(map[types.Outcome]int, len(types.Outcomes))
	for _, o := range types.Outcomes {
		out[o] = 0
	}
	rows, err := l.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM rollouts GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("failed to count outcomes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name string
			n    int
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		o, err := types.ParseOutcome(name)
		if err != nil {
			logging.StoreWarn("Ledger holds unknown outcome %q", name)
			continue
		}
		out[o] = n
	}
	return out, rows.Err()
}

// ModelCount is a per-model tally.
type ModelCount struct {
	ModelID string `json:"model_id"`
	Total   int    `json:"total"`
	Valid   int    `json:"valid"`
}

// RejectedByModel returns rejected-action counts per proposing model, most
// frequent first.
func (l *Ledger) RejectedByModel(ctx context.Context) ([]ModelCount, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT rejected_model_id, COUNT(*), COALESCE(SUM(valid), 0)
		FROM rejected_actions GROUP BY rejected_model_id ORDER BY COUNT(*) DESC, rejected_model_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to count rejected actions: %w", err)
	}
	defer rows.Close()
	var out []ModelCount
	for rows.Next() {
		var c ModelCount
		if err := rows.Scan(&c.ModelID, &c.Total, &c.Valid); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Rollouts returns the stored rollout records for a source trajectory, in
// rollout order.
func (l *Ledger) Rollouts(ctx context.Context, source string) ([]types.RolloutRecord, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT record FROM rollouts WHERE source_trajectory = ?
		ORDER BY source_step, rollout_index, id`, source)
	if err != nil {
		return nil, fmt.Errorf("failed to query rollouts: %w", err)
	}
	defer rows.Close()
	var out []types.RolloutRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r types.RolloutRecord
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("corrupt rollout record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
