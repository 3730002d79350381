package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"relpack/pkg/db"
)

// History persists runs and their transitions.
type History interface {
	RecordStart(ctx context.Context, run *Run) error
	RecordTransition(ctx context.Context, run *Run, tr Transition) error
}

// RunRecord is a stored run as listed by Recent.
type RunRecord struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	Event      string     `db:"event" json:"event"`
	Ref        string     `db:"ref" json:"ref"`
	Commit     string     `db:"commit" json:"commit"`
	State      string     `db:"state" json:"state"`
	Error      string     `db:"error" json:"error,omitempty"`
	ReleaseTag string     `db:"release_tag" json:"release_tag,omitempty"`
	StartedAt  time.Time  `db:"started_at" json:"started_at"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

// PGHistory stores run history in the Postgres tables created by the relpack migrations.
type PGHistory struct {
	pool *pgxpool.Pool
}

func NewPGHistory(pool *pgxpool.Pool) (*PGHistory, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &PGHistory{pool: pool}, nil
}

func (h *PGHistory) RecordStart(ctx context.Context, run *Run) error {
	_, err := db.Exec(ctx, h.pool, `
		INSERT INTO runs (id, event, ref, "commit", state, error, release_tag, started_at)
		VALUES ($1, $2, $3, $4, $5, '', '', $6)`,
		run.ID, string(run.Trigger.Event), run.Trigger.Ref, run.Trigger.Commit, string(run.State), run.StartedAt)
	return err
}

func (h *PGHistory) RecordTransition(ctx context.Context, run *Run, tr Transition) error {
	if _, err := db.Exec(ctx, h.pool, `
		INSERT INTO run_transitions (run_id, from_state, to_state, at)
		VALUES ($1, $2, $3, $4)`,
		run.ID, string(tr.From), string(tr.To), tr.At); err != nil {
		return err
	}
	_, err := db.Exec(ctx, h.pool, `
		UPDATE runs SET state = $2, error = $3, release_tag = $4, finished_at = $5
		WHERE id = $1`,
		run.ID, string(run.State), run.FailureMessage(), run.ReleaseTag, run.FinishedAt)
	return err
}

// Recent returns the latest runs, newest first.
func (h *PGHistory) Recent(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var records []RunRecord
	err := db.Select(ctx, h.pool, &records, `
		SELECT id, event, ref, "commit", state, error, release_tag, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	return records, err
}

// Transitions returns the recorded transitions of one run in order.
func (h *PGHistory) Transitions(ctx context.Context, runID uuid.UUID) ([]Transition, error) {
	var rows []struct {
		From string    `db:"from_state"`
		To   string    `db:"to_state"`
		At   time.Time `db:"at"`
	}
	if err := db.Select(ctx, h.pool, &rows, `
		SELECT from_state, to_state, at FROM run_transitions
		WHERE run_id = $1 ORDER BY id`, runID); err != nil {
		return nil, err
	}
	out := make([]Transition, 0, len(rows))
	for _, r := range rows {
		out = append(out, Transition{From: State(r.From), To: State(r.To), At: r.At})
	}
	return out, nil
}
