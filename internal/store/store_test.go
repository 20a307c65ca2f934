package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tables = []string{
	"issues", "transition_events", "lawbook_versions", "active_lawbooks",
	"lawbook_activations", "approval_records", "policy_decisions",
	"verification_verdicts", "exclusivity_leases", "guard_events",
}

func TestOpenCreatesAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "open #%d", i+1)
		require.NoError(t, s.Close())
	}
	_, err := os.Stat(path)
	require.NoError(t, err)

	s := createTestStore(t)
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}
}

func TestOpenUnwritablePath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "warden.db"))
	require.Error(t, err)
	assert.True(t, IsUnavailable(err), "got %v", err)
}

func TestCloseZeroStore(t *testing.T) {
	assert.NoError(t, (&Store{}).Close())
}

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		name string
		want string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"}, // NORMAL
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
		{"user_version", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.pragma(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSchemaConstraints(t *testing.T) {
	s := createTestStore(t)

	var index string
	require.NoError(t, s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='index' AND name='idx_issues_exclusive_class'",
	).Scan(&index))

	_, err := s.db.Exec(`INSERT INTO verification_verdicts
		(run_id, issue_id, verdict, evidence_hash, recorded_at)
		VALUES ('run-1', 'no-such-issue', 'GREEN', 'h', 0)`)
	assert.Error(t, err, "verdict for unknown issue")

	_, err = s.db.Exec(`INSERT INTO issues
		(id, canonical_id, status, created_at, updated_at)
		VALUES ('i1', 'ISS-1', 'DEPLOYED', 0, 0)`)
	assert.Error(t, err, "unknown status")
}

func fastRetry(attempts int) Option {
	return WithRetryPolicy(RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	})
}

func TestRunInTxRetriesConflicts(t *testing.T) {
	s := createTestStore(t, fastRetry(4))
	ctx := context.Background()
	busy := &StoreError{Kind: KindConflict, Op: "test", Err: errors.New("database is locked")}

	t.Run("succeeds after transient conflicts", func(t *testing.T) {
		calls := 0
		err := s.RunInTx(ctx, "flaky", func(tx *Tx) error {
			calls++
			if calls < 3 {
				return busy
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := s.RunInTx(ctx, "locked", func(tx *Tx) error {
			calls++
			return busy
		})
		require.Error(t, err)
		assert.True(t, IsConflict(err))
		assert.Equal(t, 4, calls)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		calls := 0
		err := s.RunInTx(ctx, "dup", func(tx *Tx) error {
			calls++
			return ErrAlreadyExists
		})
		assert.ErrorIs(t, err, ErrAlreadyExists)
		assert.Equal(t, 1, calls)
	})
}

func TestWithRetryPolicyIgnoresZeroAttempts(t *testing.T) {
	s := createTestStore(t, WithRetryPolicy(RetryPolicy{}))
	assert.Equal(t, DefaultRetryPolicy(), s.retry)
}
