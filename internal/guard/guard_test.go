package guard

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/store"
	"github.com/roach88/warden/internal/testutil"
)

func setup(t *testing.T, issueIDs ...string) (*Guard, *store.Store, *testutil.ManualClock) {
	t.Helper()
	s := testutil.OpenStore(t)
	clk := testutil.NewManualClock(testutil.Epoch)
	ctx := context.Background()
	require.NoError(t, s.RunInTx(ctx, "seed issues", func(tx *store.Tx) error {
		for _, id := range issueIDs {
			err := tx.InsertIssue(ctx, ir.Issue{
				ID: id, CanonicalID: "C-" + id, Status: ir.StatusCreated,
				HandoffState: ir.HandoffPending, CreatedAt: clk.Now(), UpdatedAt: clk.Now(),
			})
			if err != nil {
				return err
			}
		}
		return nil
	}))
	return New(s, clk, nil), s, clk
}

func acquire(g *Guard, s *store.Store, class, issueID string) (ir.Lease, error) {
	var lease ir.Lease
	err := s.RunInTx(context.Background(), "acquire", func(tx *store.Tx) error {
		var err error
		lease, err = g.Acquire(context.Background(), tx, class, issueID, "actor-"+issueID)
		return err
	})
	return lease, err
}

func TestAcquireFreeClass(t *testing.T) {
	g, s, _ := setup(t, "a")

	lease, err := acquire(g, s, "active", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", lease.IssueID)
	assert.Equal(t, "actor-a", lease.AcquiredBy)
	assert.Equal(t, testutil.Epoch, lease.AcquiredAt)

	holder, err := g.Holder(context.Background(), "active")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, lease, *holder)
}

func TestAcquireIsReentrant(t *testing.T) {
	g, s, clk := setup(t, "a")

	first, err := acquire(g, s, "active", "a")
	require.NoError(t, err)
	clk.Advance(time.Minute)
	second, err := acquire(g, s, "active", "a")
	require.NoError(t, err)
	assert.Equal(t, first, second, "re-acquire keeps the original lease")

	history, err := g.History(context.Background(), "active")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestAcquireBusy(t *testing.T) {
	g, s, clk := setup(t, "a", "b")

	_, err := acquire(g, s, "active", "a")
	require.NoError(t, err)
	clk.Advance(5 * time.Minute)

	_, err = acquire(g, s, "active", "b")
	require.Error(t, err)
	assert.True(t, IsBusy(err))

	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "active", busy.Class)
	assert.Equal(t, "a", busy.Holder)
	assert.Equal(t, "actor-a", busy.HeldBy)
	assert.Equal(t, testutil.Epoch, busy.HeldSince)
	assert.Equal(t, 5*time.Minute, busy.Age)
	assert.Contains(t, busy.Error(), "held by issue a")

	// Classes are independent.
	_, err = acquire(g, s, "release", "b")
	assert.NoError(t, err)
}

func TestRelease(t *testing.T) {
	g, s, _ := setup(t, "a", "b")
	ctx := context.Background()

	_, err := acquire(g, s, "active", "a")
	require.NoError(t, err)

	require.NoError(t, s.RunInTx(ctx, "release", func(tx *store.Tx) error {
		released, err := g.Release(ctx, tx, "active", "b", "bob")
		assert.False(t, released, "non-holder cannot release")
		if err != nil {
			return err
		}
		released, err = g.Release(ctx, tx, "active", "a", "alice")
		assert.True(t, released)
		return err
	}))

	holder, err := g.Holder(ctx, "active")
	require.NoError(t, err)
	assert.Nil(t, holder)

	_, err = acquire(g, s, "active", "b")
	assert.NoError(t, err)

	history, err := g.History(ctx, "")
	require.NoError(t, err)
	actions := make([]string, len(history))
	for i, ev := range history {
		actions[i] = ev.Action + ":" + ev.IssueID
	}
	assert.Equal(t, []string{"acquire:a", "release:a", "acquire:b"}, actions)
}

func TestOverride(t *testing.T) {
	g, s, _ := setup(t, "a", "b")
	ctx := context.Background()

	_, err := g.Override(ctx, "active", "ops", "")
	assert.ErrorIs(t, err, ErrReasonRequired)

	_, err = g.Override(ctx, "active", "ops", "stuck")
	assert.ErrorIs(t, err, ErrNotHeld)

	require.NoError(t, s.RunInTx(ctx, "hold", func(tx *store.Tx) error {
		if _, err := g.Acquire(ctx, tx, "active", "a", "alice"); err != nil {
			return err
		}
		iss, err := tx.GetIssue(ctx, "a")
		if err != nil {
			return err
		}
		iss.Status, iss.ExclusiveClass = ir.StatusSpecReady, "active"
		return tx.UpdateIssueStatus(ctx, iss)
	}))

	former, err := g.Override(ctx, "active", "ops", "worker crashed")
	require.NoError(t, err)
	assert.Equal(t, "a", former.IssueID)

	iss, err := s.Reader().GetIssue(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, iss.ExclusiveClass)
	assert.Equal(t, ir.StatusSpecReady, iss.Status)

	_, err = acquire(g, s, "active", "b")
	require.NoError(t, err)

	history, err := g.History(ctx, "active")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, store.GuardOverride, history[1].Action)
	assert.Equal(t, "worker crashed", history[1].Reason)
	assert.Equal(t, "ops", history[1].Actor)
}

func TestConcurrentAcquireAtMostOneWins(t *testing.T) {
	const contenders = 12
	ids := make([]string, contenders)
	for i := range ids {
		ids[i] = fmt.Sprintf("issue-%02d", i)
	}
	g, s, _ := setup(t, ids...)

	var wins, busy atomic.Int32
	var eg errgroup.Group
	for _, id := range ids {
		eg.Go(func() error {
			_, err := acquire(g, s, "active", id)
			switch {
			case err == nil:
				wins.Add(1)
			case IsBusy(err):
				busy.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(contenders-1), busy.Load())

	leases, err := g.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, leases, 1)
}
