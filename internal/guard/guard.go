// Package guard provides per-class mutual exclusion over shared storage.
//
// A lease is a row in exclusivity_leases keyed by class. Acquire claims it
// with INSERT ... ON CONFLICT DO NOTHING and reads the winner back inside
// the caller's immediate transaction, so "is free" and "mark held" are one
// atomic step for every process sharing the database. There is no
// in-process mutex and no expiry: a lease is freed only by Release or by an
// operator Override.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/warden/internal/clock"
	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/store"
)

// ErrNotHeld is returned by Override when the class is free.
var ErrNotHeld = errors.New("class is not held")

// ErrReasonRequired is returned by Override without a reason.
var ErrReasonRequired = errors.New("override reason is required")

// BusyError reports that another issue holds the class.
type BusyError struct {
	Class     string
	Holder    string // issue id of the current holder
	HeldBy    string // actor that acquired the lease
	HeldSince time.Time
	Age       time.Duration
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("exclusivity class %q is held by issue %s (since %s, %s ago)",
		e.Class, e.Holder, e.HeldSince.Format(time.RFC3339), e.Age.Truncate(time.Second))
}

// IsBusy reports whether err is a BusyError.
func IsBusy(err error) bool {
	var be *BusyError
	return errors.As(err, &be)
}

// Guard manages exclusivity leases.
type Guard struct {
	store  *store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Guard. A nil clock or logger selects the default.
func New(s *store.Store, c clock.Clock, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: s, clock: clock.OrSystem(c), logger: logger}
}

// Acquire claims class for issueID on tx. Acquiring a class the issue
// already holds succeeds without writing anything.
func (g *Guard) Acquire(ctx context.Context, tx *store.Tx, class, issueID, actor string) (ir.Lease, error) {
	now := g.clock.Now()
	held, inserted, err := tx.InsertLease(ctx, ir.Lease{
		Class:      class,
		IssueID:    issueID,
		AcquiredBy: actor,
		AcquiredAt: now,
	})
	if err != nil {
		return ir.Lease{}, fmt.Errorf("acquire %s: %w", class, err)
	}

	if held.IssueID != issueID {
		return ir.Lease{}, &BusyError{
			Class:     class,
			Holder:    held.IssueID,
			HeldBy:    held.AcquiredBy,
			HeldSince: held.AcquiredAt,
			Age:       now.Sub(held.AcquiredAt),
		}
	}
	if !inserted {
		return held, nil
	}

	if err := tx.InsertGuardEvent(ctx, store.GuardEvent{
		Class:      class,
		IssueID:    issueID,
		Action:     store.GuardAcquire,
		Actor:      actor,
		OccurredAt: now,
	}); err != nil {
		return ir.Lease{}, err
	}
	return held, nil
}

// Release frees class if issueID holds it, on tx. Releasing a class the
// issue does not hold is a no-op and returns false.
func (g *Guard) Release(ctx context.Context, tx *store.Tx, class, issueID, actor string) (bool, error) {
	removed, err := tx.DeleteLease(ctx, class, issueID)
	if err != nil {
		return false, fmt.Errorf("release %s: %w", class, err)
	}
	if !removed {
		return false, nil
	}

	err = tx.InsertGuardEvent(ctx, store.GuardEvent{
		Class:      class,
		IssueID:    issueID,
		Action:     store.GuardRelease,
		Actor:      actor,
		OccurredAt: g.clock.Now(),
	})
	return err == nil, err
}

// Override forcibly frees class in its own transaction. The former holder
// also loses its recorded class, so it must re-acquire before moving
// within the class again.
func (g *Guard) Override(ctx context.Context, class, actor, reason string) (ir.Lease, error) {
	if strings.TrimSpace(reason) == "" {
		return ir.Lease{}, ErrReasonRequired
	}

	var former ir.Lease
	err := g.store.RunInTx(ctx, "override lease", func(tx *store.Tx) error {
		var err error
		former, err = tx.GetLease(ctx, class)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("override %s: %w", class, ErrNotHeld)
		}
		if err != nil {
			return err
		}

		now := g.clock.Now()
		if _, err := tx.DeleteLease(ctx, class, ""); err != nil {
			return err
		}
		if err := tx.ClearExclusiveClass(ctx, former.IssueID, now); err != nil {
			return err
		}
		return tx.InsertGuardEvent(ctx, store.GuardEvent{
			Class:      class,
			IssueID:    former.IssueID,
			Action:     store.GuardOverride,
			Actor:      actor,
			Reason:     reason,
			OccurredAt: now,
		})
	})
	if err != nil {
		return ir.Lease{}, err
	}

	g.logger.Warn("exclusivity lease overridden",
		"class", class,
		"holder", former.IssueID,
		"held_since", former.AcquiredAt,
		"actor", actor,
		"reason", reason,
	)
	return former, nil
}

// Holder returns the current lease on class, or nil when it is free.
func (g *Guard) Holder(ctx context.Context, class string) (*ir.Lease, error) {
	l, err := g.store.Reader().GetLease(ctx, class)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// List returns every held lease.
func (g *Guard) List(ctx context.Context) ([]ir.Lease, error) {
	return g.store.Reader().ListLeases(ctx)
}

// History returns the acquire/release/override log of class, or of every
// class when class is empty.
func (g *Guard) History(ctx context.Context, class string) ([]store.GuardEvent, error) {
	return g.store.Reader().GuardEvents(ctx, class)
}
