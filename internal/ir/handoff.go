package ir

import (
	"fmt"
	"strings"
)

// HandoffState tracks whether an issue has been synchronized with the
// downstream tracker.
type HandoffState string

const (
	HandoffPending      HandoffState = "PENDING"
	HandoffSynchronized HandoffState = "SYNCHRONIZED"
)

// legacyHandoff maps the deprecated vocabulary onto the canonical one.
// Legacy values are accepted as input only and never written.
var legacyHandoff = map[string]HandoffState{
	"NOT_SENT": HandoffPending,
	"SENT":     HandoffPending,
	"SYNCED":   HandoffSynchronized,
}

// ParseHandoffState normalizes s to the canonical vocabulary.
// The second return value reports whether s used a legacy spelling.
func ParseHandoffState(s string) (HandoffState, bool, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	switch HandoffState(up) {
	case HandoffPending, HandoffSynchronized:
		return HandoffState(up), false, nil
	}
	if st, ok := legacyHandoff[up]; ok {
		return st, true, nil
	}
	return "", false, fmt.Errorf("unknown handoff state %q", s)
}
