package warden

import (
	"errors"

	"github.com/roach88/warden/internal/approval"
	"github.com/roach88/warden/internal/guard"
	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/lawbook"
	"github.com/roach88/warden/internal/policy"
	"github.com/roach88/warden/internal/statemachine"
	"github.com/roach88/warden/internal/store"
	"github.com/roach88/warden/internal/verification"
)

// Error codes for failures that carry no domain code of their own.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeAlreadyExists    = "ALREADY_EXISTS"
	CodeNotHeld          = "NOT_HELD"
	CodeInvalidLawbook   = "INVALID_LAWBOOK"
	CodeStoreConflict    = "STORE_CONFLICT"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeInvalidRequest   = "INVALID_REQUEST"
)

// ErrorCode maps an error returned by a Service operation to a stable code.
// Domain rejections keep their own code (INVALID_TRANSITION,
// COOLDOWN_ACTIVE, INVALID_APPROVAL...). It returns "" for nil.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if code := statemachine.Code(err); code != "" {
		return code
	}
	if reason := policy.ReasonOf(err); reason != "" {
		return string(reason)
	}
	if approval.IsInvalidApproval(err) {
		return string(approval.CodeInvalidApproval)
	}

	var (
		ve *lawbook.ValidationError
		ce *lawbook.CUEError
		ee *verification.EvidenceError
	)
	switch {
	case errors.As(err, &ee):
		return statemachine.CodeMissingEvidence
	case errors.Is(err, lawbook.ErrNoActiveLawbook):
		return string(ir.ReasonNoActiveLawbook)
	case errors.As(err, &ve), errors.As(err, &ce):
		return CodeInvalidLawbook
	case errors.Is(err, guard.ErrNotHeld):
		return CodeNotHeld
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		return CodeAlreadyExists
	case store.IsConflict(err):
		return CodeStoreConflict
	case store.IsUnavailable(err):
		return CodeStoreUnavailable
	}
	return CodeInvalidRequest
}

// IsInfrastructure reports whether err is a storage failure rather than a
// rejected request.
func IsInfrastructure(err error) bool {
	return store.IsConflict(err) || store.IsUnavailable(err)
}
