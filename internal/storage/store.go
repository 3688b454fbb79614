package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/pressly/goose"

	"github.com/SirClappington/jeeves/internal/domain"
)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

// Record persists the outcome of one settled delivery.
func (s *Store) Record(ctx context.Context, o domain.Outcome, deadLetter bool) error {
	_, err := s.InsertRun(ctx, RunFromOutcome(o, deadLetter))
	return err
}

// InsertRun appends a run to the history and returns its id.
func (s *Store) InsertRun(ctx context.Context, p *InsertRunParams) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(ctx, `insert into job_runs(
id, job_id, project, status, kind, exit_code, stderr, started_at, finished_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		id, p.JobID, p.Project, string(p.Status), p.Kind, p.ExitCode, p.Stderr, p.StartedAt, p.FinishedAt,
	)
	if err != nil {
		return "", errors.Wrap(err, "insert job run")
	}
	return id, nil
}

type InsertRunParams struct {
	JobID, Project string
	Status         domain.Status
	Kind           *string
	ExitCode       *int
	Stderr         *string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// RunFromOutcome maps an outcome to a history row. Validation failures
// carry no project.
func RunFromOutcome(o domain.Outcome, deadLetter bool) *InsertRunParams {
	p := &InsertRunParams{
		JobID:      textColumn(o.Job.ID),
		Project:    textColumn(o.Job.Project),
		Status:     o.Status(deadLetter),
		StartedAt:  o.StartedAt,
		FinishedAt: o.FinishedAt,
	}
	if o.OK() {
		code := 0
		p.ExitCode = &code
		return p
	}
	kind := string(o.Kind())
	p.Kind = &kind
	if o.Stage == domain.StageExecute {
		code := o.ExitCode
		p.ExitCode = &code
		if o.Stderr != "" {
			stderr := textColumn(o.Stderr)
			p.Stderr = &stderr
		}
	}
	return p
}

// textColumn makes script output storable in a Postgres text column, which
// rejects NUL bytes and invalid UTF-8.
func textColumn(s string) string {
	return strings.ToValidUTF8(strings.ReplaceAll(s, "\x00", ""), "\uFFFD")
}

// Migrate applies the goose migrations in dir.
func Migrate(db *sql.DB, dir string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "goose dialect")
	}
	return errors.Wrapf(goose.Up(db, dir), "migrate %s", dir)
}
