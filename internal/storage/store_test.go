package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/jeeves/internal/domain"
)

func TestRunFromOutcome(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Second)
	job := domain.Job{ID: "j1", Project: "svc1"}

	t.Run("success", func(t *testing.T) {
		p := RunFromOutcome(domain.Outcome{Job: job, Stage: domain.StageExecute, StartedAt: start, FinishedAt: end}, false)
		assert.Equal(t, domain.Succeeded, p.Status)
		assert.Nil(t, p.Kind)
		require.NotNil(t, p.ExitCode)
		assert.Equal(t, 0, *p.ExitCode)
		assert.Equal(t, end, p.FinishedAt)
	})

	t.Run("execution failure", func(t *testing.T) {
		o := domain.Outcome{
			Job: job, Stage: domain.StageExecute, ExitCode: 1, Stderr: "boom",
			Err: domain.Errorf(domain.KindExecutionFailed, "exit status 1"),
		}
		p := RunFromOutcome(o, false)
		assert.Equal(t, domain.FailedPerm, p.Status)
		require.NotNil(t, p.Kind)
		assert.Equal(t, "execution_failed", *p.Kind)
		require.NotNil(t, p.ExitCode)
		assert.Equal(t, 1, *p.ExitCode)
		require.NotNil(t, p.Stderr)
		assert.Equal(t, "boom", *p.Stderr)
	})

	t.Run("output that is not valid text", func(t *testing.T) {
		o := domain.Outcome{
			Job: domain.Job{ID: "j\x002", Project: "svc\x001"}, Stage: domain.StageExecute, ExitCode: 2,
			Stderr: "tar: \x00\x00header\xff\xfe broken\n",
			Err:    domain.Errorf(domain.KindExecutionFailed, "exit status 2"),
		}
		p := RunFromOutcome(o, false)
		require.NotNil(t, p.Stderr)
		assert.Equal(t, "tar: header\uFFFD broken\n", *p.Stderr)
		assert.True(t, utf8.ValidString(*p.Stderr))
		assert.Equal(t, "svc1", p.Project)
		assert.Equal(t, "j2", p.JobID)
	})

	t.Run("dead lettered validation failure", func(t *testing.T) {
		o := domain.Outcome{Stage: domain.StageValidate, Err: domain.Errorf(domain.KindMalformedStructure, "bad")}
		p := RunFromOutcome(o, true)
		assert.Equal(t, domain.DeadLettered, p.Status)
		assert.Equal(t, "malformed_structure", *p.Kind)
		assert.Nil(t, p.ExitCode)
		assert.Nil(t, p.Stderr)
		assert.Empty(t, p.Project)
	})
}

// TestStoreRoundTrip needs a disposable database in TEST_POSTGRES_DSN.
func TestStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, Migrate(db, filepath.Join("..", "..", "migrations")))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()
	s := New(pool)

	o := domain.Outcome{
		Job:       domain.Job{ID: "rt-1", Project: "svc2"},
		Stage:     domain.StageExecute,
		ExitCode:  1,
		Stderr:    "boom\x00\xff",
		Err:       domain.Errorf(domain.KindExecutionFailed, "exit status 1"),
		StartedAt: time.Now(), FinishedAt: time.Now(),
	}
	require.NoError(t, s.Record(ctx, o, false))

	var status, stderr string
	err = pool.QueryRow(ctx, `select status, stderr from job_runs where job_id = $1 order by finished_at desc limit 1`, "rt-1").Scan(&status, &stderr)
	require.NoError(t, err)
	assert.Equal(t, "failed_perm", status)
	assert.Equal(t, "boom\uFFFD", stderr)
}
