package lawbook

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Defaults applied to rules that leave a window unset.
const (
	DefaultWindowSeconds           = 3600
	DefaultApprovalValiditySeconds = 3600
)

// Rate limit scopes.
const (
	ScopeTarget = "target"
	ScopeGlobal = "global"
)

// Document is a parsed lawbook. Only the fields below are evaluated; any
// other content is kept in the stored canonical form and hashed but ignored.
type Document struct {
	LawbookID      string   `json:"lawbookId"`
	Version        string   `json:"version"`
	AllowedActions []string `json:"allowedActions,omitempty"`
	Rules          []Rule   `json:"rules,omitempty"`
}

// Rule constrains one action type.
type Rule struct {
	Action                  string `json:"action"`
	CooldownSeconds         int64  `json:"cooldownSeconds,omitempty"`
	MaxRunsPerWindow        int64  `json:"maxRunsPerWindow,omitempty"`
	WindowSeconds           int64  `json:"windowSeconds,omitempty"`
	RateLimitScope          string `json:"rateLimitScope,omitempty"`
	RequiresApproval        bool   `json:"requiresApproval,omitempty"`
	ApprovalPhrase          string `json:"approvalPhrase,omitempty"`
	ApprovalValiditySeconds int64  `json:"approvalValiditySeconds,omitempty"`
}

// Cooldown returns the minimum spacing between allowed runs, zero if none.
func (r Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

// Window returns the trailing rate-limit window.
func (r Rule) Window() time.Duration {
	if r.WindowSeconds <= 0 {
		return DefaultWindowSeconds * time.Second
	}
	return time.Duration(r.WindowSeconds) * time.Second
}

// Scope returns the rate-limit scope, ScopeTarget when unset.
func (r Rule) Scope() string {
	if r.RateLimitScope == "" {
		return ScopeTarget
	}
	return r.RateLimitScope
}

// ApprovalValidity bounds how old an approval may be when it is consumed.
func (r Rule) ApprovalValidity() time.Duration {
	if r.ApprovalValiditySeconds <= 0 {
		return DefaultApprovalValiditySeconds * time.Second
	}
	return time.Duration(r.ApprovalValiditySeconds) * time.Second
}

// Rule returns the rule for actionType. The zero Rule (no constraints) and
// false are returned when the document has none.
func (d *Document) Rule(actionType string) (Rule, bool) {
	for _, r := range d.Rules {
		if r.Action == actionType {
			return r, true
		}
	}
	return Rule{Action: actionType}, false
}

// Allows reports whether actionType may be evaluated at all. An action is
// permitted when it is listed in allowedActions or has its own rule;
// everything else is denied.
func (d *Document) Allows(actionType string) bool {
	if slices.Contains(d.AllowedActions, actionType) {
		return true
	}
	_, ok := d.Rule(actionType)
	return ok
}

// Validate checks structural constraints the evaluator relies on.
func (d *Document) Validate() error {
	if strings.TrimSpace(d.LawbookID) == "" {
		return &ValidationError{Field: "lawbookId", Message: "required"}
	}
	if strings.TrimSpace(d.Version) == "" {
		return &ValidationError{Field: "version", Message: "required"}
	}

	for i, a := range d.AllowedActions {
		if strings.TrimSpace(a) == "" {
			return &ValidationError{Field: fmt.Sprintf("allowedActions[%d]", i), Message: "must not be empty"}
		}
	}

	seen := make(map[string]bool, len(d.Rules))
	for i, r := range d.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if strings.TrimSpace(r.Action) == "" {
			return &ValidationError{Field: field + ".action", Message: "required"}
		}
		if seen[r.Action] {
			return &ValidationError{Field: field + ".action", Message: fmt.Sprintf("duplicate rule for %q", r.Action)}
		}
		seen[r.Action] = true

		if r.CooldownSeconds < 0 || r.MaxRunsPerWindow < 0 || r.WindowSeconds < 0 || r.ApprovalValiditySeconds < 0 {
			return &ValidationError{Field: field, Message: "durations and limits must not be negative"}
		}
		switch r.RateLimitScope {
		case "", ScopeTarget, ScopeGlobal:
		default:
			return &ValidationError{Field: field + ".rateLimitScope", Message: fmt.Sprintf("unknown scope %q", r.RateLimitScope)}
		}
		if r.ApprovalPhrase != "" && !r.RequiresApproval {
			return &ValidationError{Field: field + ".approvalPhrase", Message: "set without requiresApproval"}
		}
	}
	return nil
}

// ValidationError reports an invalid lawbook field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("lawbook %s: %s", e.Field, e.Message)
}
