package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/warden/internal/ir"
)

const lawbookColumns = `id, lawbook_id, version, content, content_hash, created_by, created_at`

// InsertLawbookVersion stores an immutable lawbook version.
//
// Publishing is idempotent: if (lawbook_id, version) already exists with the
// same content hash, the existing row is returned with inserted=false. The
// same version with different content is ErrAlreadyExists; lawbook versions
// are never edited.
func (t *Tx) InsertLawbookVersion(ctx context.Context, lv ir.LawbookVersion) (ir.LawbookVersion, bool, error) {
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO lawbook_versions
		(lawbook_id, version, content, content_hash, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(lawbook_id, version) DO NOTHING
	`,
		lv.LawbookID,
		lv.Version,
		string(lv.Content),
		lv.ContentHash,
		lv.CreatedBy,
		toMillis(lv.CreatedAt),
	)
	if err != nil {
		return ir.LawbookVersion{}, false, classify("insert lawbook version", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ir.LawbookVersion{}, false, classify("insert lawbook version", err)
	}

	stored, err := t.LawbookVersionByName(ctx, lv.LawbookID, lv.Version)
	if err != nil {
		return ir.LawbookVersion{}, false, err
	}
	if stored.ContentHash != lv.ContentHash {
		return ir.LawbookVersion{}, false, fmt.Errorf(
			"lawbook %s version %s already published with hash %s: %w",
			lv.LawbookID, lv.Version, stored.ContentHash, ErrAlreadyExists)
	}
	return stored, n > 0, nil
}

// GetLawbookVersion returns a lawbook version by row id.
func (t *Tx) GetLawbookVersion(ctx context.Context, id int64) (ir.LawbookVersion, error) {
	row := t.q.QueryRowContext(ctx,
		`SELECT `+lawbookColumns+` FROM lawbook_versions WHERE id = ?`, id)
	lv, err := scanLawbook(row)
	if err != nil {
		return ir.LawbookVersion{}, classify("get lawbook version", err)
	}
	return lv, nil
}

// LawbookVersionByName returns a lawbook version by (lawbook_id, version).
func (t *Tx) LawbookVersionByName(ctx context.Context, lawbookID, version string) (ir.LawbookVersion, error) {
	row := t.q.QueryRowContext(ctx,
		`SELECT `+lawbookColumns+` FROM lawbook_versions WHERE lawbook_id = ? AND version = ?`,
		lawbookID, version)
	lv, err := scanLawbook(row)
	if err != nil {
		return ir.LawbookVersion{}, classify("get lawbook version by name", err)
	}
	return lv, nil
}

// ListLawbookVersions returns every version of a lawbook in publish order.
func (t *Tx) ListLawbookVersions(ctx context.Context, lawbookID string) ([]ir.LawbookVersion, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+lawbookColumns+` FROM lawbook_versions WHERE lawbook_id = ? ORDER BY id`,
		lawbookID)
	if err != nil {
		return nil, classify("list lawbook versions", err)
	}
	return collect(rows, "list lawbook versions", func(s scanner) (ir.LawbookVersion, error) {
		lv, err := scanLawbook(s)
		if err != nil {
			return ir.LawbookVersion{}, classify("list lawbook versions: scan", err)
		}
		return lv, nil
	})
}

// SetActiveLawbook moves the active pointer of a lawbook and appends the
// move to lawbook_activations.
func (t *Tx) SetActiveLawbook(ctx context.Context, lawbookID string, versionID int64, actor string, at time.Time) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO active_lawbooks (lawbook_id, version_id, activated_by, activated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(lawbook_id) DO UPDATE SET
			version_id = excluded.version_id,
			activated_by = excluded.activated_by,
			activated_at = excluded.activated_at
	`, lawbookID, versionID, actor, toMillis(at))
	if err != nil {
		return classify("set active lawbook", err)
	}

	_, err = t.q.ExecContext(ctx, `
		INSERT INTO lawbook_activations (lawbook_id, version_id, actor, activated_at)
		VALUES (?, ?, ?, ?)
	`, lawbookID, versionID, actor, toMillis(at))
	return classify("record lawbook activation", err)
}

// ActiveLawbook returns the version the active pointer of lawbookID selects,
// or ErrNotFound when no version was ever activated.
func (t *Tx) ActiveLawbook(ctx context.Context, lawbookID string) (ir.LawbookVersion, error) {
	row := t.q.QueryRowContext(ctx, `
		SELECT v.id, v.lawbook_id, v.version, v.content, v.content_hash, v.created_by, v.created_at
		FROM active_lawbooks a
		JOIN lawbook_versions v ON v.id = a.version_id
		WHERE a.lawbook_id = ?
	`, lawbookID)
	lv, err := scanLawbook(row)
	if err != nil {
		return ir.LawbookVersion{}, classify("active lawbook", err)
	}
	return lv, nil
}

func scanLawbook(s scanner) (ir.LawbookVersion, error) {
	var (
		lv        ir.LawbookVersion
		content   string
		createdAt int64
	)
	err := s.Scan(&lv.ID, &lv.LawbookID, &lv.Version, &content, &lv.ContentHash, &lv.CreatedBy, &createdAt)
	if err != nil {
		return ir.LawbookVersion{}, err
	}
	lv.Content = []byte(content)
	lv.CreatedAt = fromMillis(createdAt)
	return lv, nil
}
