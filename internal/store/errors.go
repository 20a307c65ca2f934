package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when inserting a row whose natural key is taken.
var ErrAlreadyExists = errors.New("already exists")

// ErrorKind categorizes storage failures.
type ErrorKind string

const (
	// KindConflict signals a transient race: lock contention or a concurrent
	// writer claiming the same unique key. Safe to retry.
	KindConflict ErrorKind = "CONFLICT"

	// KindUnavailable signals the database cannot be reached or written.
	KindUnavailable ErrorKind = "UNAVAILABLE"
)

// StoreError wraps a driver error with its category and the failing operation.
type StoreError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsConflict returns true if err is a StoreError of kind Conflict.
// Uses errors.As to handle wrapped errors.
func IsConflict(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == KindConflict
}

// IsUnavailable returns true if err is a StoreError of kind Unavailable.
func IsUnavailable(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == KindUnavailable
}

func unavailable(op string, err error) error {
	return &StoreError{Kind: KindUnavailable, Op: op, Err: err}
}

// classify maps driver errors onto StoreError kinds. Errors that are not
// transient (constraint violations other than uniqueness, trigger aborts,
// SQL mistakes) are wrapped with the op name only.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return unavailable(op, err)
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return &StoreError{Kind: KindConflict, Op: op, Err: err}
		case sqlite3.ErrConstraint:
			if se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
				return &StoreError{Kind: KindConflict, Op: op, Err: err}
			}
		case sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrFull,
			sqlite3.ErrReadonly, sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return unavailable(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
