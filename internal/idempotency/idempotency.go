// Package idempotency derives the deterministic identities of requested
// actions and resolves retried requests to their stored decision.
//
// A fingerprint identifies WHAT is requested: the action type, the target
// and the parameters. An idempotency key identifies ONE REQUEST for it: the
// fingerprint, the policy template and the caller's request id. Two calls
// with the same key are the same request, and the second one gets the first
// one's decision verbatim.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/store"
)

// DefaultTemplateID is the policy template used when the caller names none.
const DefaultTemplateID = "default"

// Fingerprint hashes the canonical form of (actionType, target, params).
// Action type and target are trimmed; params may not contain floats or
// nulls (rejected by ir.FromAny before they get here).
func Fingerprint(actionType, target string, params ir.Object) (string, error) {
	actionType = strings.TrimSpace(actionType)
	target = strings.TrimSpace(target)
	if actionType == "" {
		return "", fmt.Errorf("fingerprint: action type is required")
	}
	if target == "" {
		return "", fmt.Errorf("fingerprint: target is required")
	}
	if params == nil {
		params = ir.Object{}
	}

	h, err := ir.Hash(ir.DomainFingerprint, ir.Object{
		"action_type": ir.String(actionType),
		"target":      ir.String(target),
		"params":      params,
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return h, nil
}

// Key folds the template and request ids into a fingerprint.
func Key(fingerprint, templateID, requestID string) (string, error) {
	if fingerprint == "" || requestID == "" {
		return "", fmt.Errorf("idempotency key: fingerprint and request id are required")
	}
	if templateID == "" {
		templateID = DefaultTemplateID
	}

	h, err := ir.Hash(ir.DomainIdempotency, ir.Object{
		"fingerprint": ir.String(fingerprint),
		"template_id": ir.String(templateID),
		"request_id":  ir.String(requestID),
	})
	if err != nil {
		return "", fmt.Errorf("idempotency key: %w", err)
	}
	return h, nil
}

// Identity is the full set of identifiers for one request.
type Identity struct {
	ActionType     string
	Target         string
	Fingerprint    string
	TemplateID     string
	RequestID      string
	IdempotencyKey string
}

// Derive computes an Identity. An empty requestID is replaced by a fresh id
// from gen: a call without a request id is never a retry of another.
func Derive(actionType, target string, params ir.Object, templateID, requestID string, gen ir.IDGenerator) (Identity, error) {
	fp, err := Fingerprint(actionType, target, params)
	if err != nil {
		return Identity{}, err
	}
	if templateID = strings.TrimSpace(templateID); templateID == "" {
		templateID = DefaultTemplateID
	}
	if requestID = strings.TrimSpace(requestID); requestID == "" {
		if gen == nil {
			gen = ir.UUIDv7Generator{}
		}
		requestID = gen.Generate()
	}

	key, err := Key(fp, templateID, requestID)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		ActionType:     strings.TrimSpace(actionType),
		Target:         strings.TrimSpace(target),
		Fingerprint:    fp,
		TemplateID:     templateID,
		RequestID:      requestID,
		IdempotencyKey: key,
	}, nil
}

// Resolve returns the decision stored under key. found is false when the
// key has never been decided.
func Resolve(ctx context.Context, tx *store.Tx, key string) (*ir.PolicyDecision, bool, error) {
	d, err := tx.DecisionByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("resolve idempotency key: %w", err)
	}
	return &d, true, nil
}
