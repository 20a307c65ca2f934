// Package lawbook stores immutable, content-hashed policy documents and the
// pointer that selects the active version of each lawbook.
package lawbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/warden/internal/clock"
	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/store"
)

// ErrNoActiveLawbook is returned when a lawbook has no active version, or
// its active version fails verification. Absence of policy is never
// permission.
var ErrNoActiveLawbook = errors.New("no active lawbook")

// ErrIntegrity is wrapped by ErrNoActiveLawbook when stored content no
// longer matches its content hash.
var ErrIntegrity = errors.New("lawbook content hash mismatch")

// Active is a verified, decoded active lawbook version.
type Active struct {
	Version  ir.LawbookVersion
	Document Document
}

// Book publishes and activates lawbook versions.
type Book struct {
	store  *store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Book.
type Option func(*Book)

// WithClock sets the clock used to stamp publications and activations.
func WithClock(c clock.Clock) Option {
	return func(b *Book) { b.clock = clock.OrSystem(c) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Book) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a Book over s.
func New(s *store.Store, opts ...Option) *Book {
	b := &Book{store: s, clock: clock.System{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish parses and stores a new lawbook version. Publishing the same
// document again returns the stored version with published=false; a
// different document under an existing version is rejected.
func (b *Book) Publish(ctx context.Context, data []byte, format Format, actor string) (ir.LawbookVersion, bool, error) {
	parsed, err := Parse(data, format)
	if err != nil {
		return ir.LawbookVersion{}, false, err
	}

	lv := ir.LawbookVersion{
		LawbookID:   parsed.Document.LawbookID,
		Version:     parsed.Document.Version,
		Content:     parsed.Content,
		ContentHash: parsed.ContentHash,
		CreatedBy:   actor,
		CreatedAt:   b.clock.Now(),
	}

	var (
		stored    ir.LawbookVersion
		published bool
	)
	err = b.store.RunInTx(ctx, "publish lawbook", func(tx *store.Tx) error {
		var err error
		stored, published, err = tx.InsertLawbookVersion(ctx, lv)
		return err
	})
	if err != nil {
		return ir.LawbookVersion{}, false, fmt.Errorf("publish lawbook %s@%s: %w", lv.LawbookID, lv.Version, err)
	}

	if published {
		b.logger.Info("lawbook published",
			"lawbook_id", stored.LawbookID,
			"version", stored.Version,
			"content_hash", stored.ContentHash,
			"actor", actor,
		)
	}
	return stored, published, nil
}

// Activate points lawbookID at a published version. The version is
// verified before the pointer moves.
func (b *Book) Activate(ctx context.Context, lawbookID, version, actor string) (ir.LawbookVersion, error) {
	var lv ir.LawbookVersion
	err := b.store.RunInTx(ctx, "activate lawbook", func(tx *store.Tx) error {
		var err error
		lv, err = tx.LawbookVersionByName(ctx, lawbookID, version)
		if err != nil {
			return err
		}
		if _, err := decodeVersion(lv); err != nil {
			return err
		}
		return tx.SetActiveLawbook(ctx, lawbookID, lv.ID, actor, b.clock.Now())
	})
	if err != nil {
		return ir.LawbookVersion{}, fmt.Errorf("activate lawbook %s@%s: %w", lawbookID, version, err)
	}

	b.logger.Info("lawbook activated",
		"lawbook_id", lawbookID,
		"version", version,
		"content_hash", lv.ContentHash,
		"actor", actor,
	)
	return lv, nil
}

// Active returns the verified active version of lawbookID.
func (b *Book) Active(ctx context.Context, lawbookID string) (*Active, error) {
	return ResolveActive(ctx, b.store.Reader(), lawbookID)
}

// Versions lists every published version of lawbookID.
func (b *Book) Versions(ctx context.Context, lawbookID string) ([]ir.LawbookVersion, error) {
	return b.store.Reader().ListLawbookVersions(ctx, lawbookID)
}

// ResolveActive loads and verifies the active version of lawbookID on tx,
// so policy evaluation sees the lawbook and the ledger history in one
// snapshot. Missing, tampered or undecodable versions all yield an error
// wrapping ErrNoActiveLawbook.
func ResolveActive(ctx context.Context, tx *store.Tx, lawbookID string) (*Active, error) {
	lv, err := tx.ActiveLawbook(ctx, lawbookID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveLawbook, lawbookID)
	}
	if err != nil {
		return nil, err
	}

	doc, err := decodeVersion(lv)
	if err != nil {
		return nil, fmt.Errorf("%w: %s@%s: %w", ErrNoActiveLawbook, lv.LawbookID, lv.Version, err)
	}
	return &Active{Version: lv, Document: doc}, nil
}

// Load returns a verified, decoded published version on tx, active or not.
func Load(ctx context.Context, tx *store.Tx, lawbookID, version string) (*Active, error) {
	lv, err := tx.LawbookVersionByName(ctx, lawbookID, version)
	if err != nil {
		return nil, fmt.Errorf("lawbook %s@%s: %w", lawbookID, version, err)
	}
	doc, err := decodeVersion(lv)
	if err != nil {
		return nil, fmt.Errorf("lawbook %s@%s: %w", lawbookID, version, err)
	}
	return &Active{Version: lv, Document: doc}, nil
}

func decodeVersion(lv ir.LawbookVersion) (Document, error) {
	if got := ContentHash(lv.Content); got != lv.ContentHash {
		return Document{}, fmt.Errorf("%w: stored %s, computed %s", ErrIntegrity, lv.ContentHash, got)
	}
	var doc Document
	if err := json.Unmarshal(lv.Content, &doc); err != nil {
		return Document{}, fmt.Errorf("decode lawbook: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}
