package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/warden/internal/ledger"
)

// evaluateAssertions checks every assertion and returns one message per
// failure.
func (h *Harness) evaluateAssertions(ctx context.Context, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertIssueStatus:
			err = h.assertIssueStatus(ctx, a)
		case AssertLease:
			err = h.assertLease(ctx, a)
		case AssertDecisionCount:
			err = h.assertDecisionCount(ctx, a)
		case AssertLedgerVerified:
			err = h.assertLedgerVerified(ctx)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i+1, a.Type, err))
		}
	}
	return errs
}

func (h *Harness) assertIssueStatus(ctx context.Context, a Assertion) error {
	iss, err := h.svc.Issue(ctx, a.Issue)
	if err != nil {
		return err
	}
	want := strings.ToUpper(a.Status)
	if string(iss.Status) != want {
		return fmt.Errorf("issue %s: expected %s, got %s", a.Issue, want, iss.Status)
	}
	return nil
}

func (h *Harness) assertLease(ctx context.Context, a Assertion) error {
	leases, err := h.svc.Leases(ctx)
	if err != nil {
		return err
	}
	holder := ""
	for _, l := range leases {
		if l.Class == a.Class {
			holder = h.canonical(ctx, l.IssueID)
		}
	}
	if holder != a.Issue {
		return fmt.Errorf("class %s: expected holder %s, got %s", a.Class, orFree(a.Issue), orFree(holder))
	}
	return nil
}

func orFree(issue string) string {
	if issue == "" {
		return "(free)"
	}
	return issue
}

func (h *Harness) assertDecisionCount(ctx context.Context, a Assertion) error {
	fp, ok := h.fingerprints[a.Request]
	if !ok {
		return fmt.Errorf("request %s was never evaluated", a.Request)
	}
	entries, err := h.svc.ListLedger(ctx, ledger.Filter{Fingerprint: fp})
	if err != nil {
		return err
	}
	n := 0
	for _, e := range entries {
		if e.Kind == ledger.KindDecision {
			n++
		}
	}
	if n != a.Count {
		return fmt.Errorf("request %s: expected %d decisions, got %d", a.Request, a.Count, n)
	}
	return nil
}

func (h *Harness) assertLedgerVerified(ctx context.Context) error {
	report, err := h.svc.VerifyLedger(ctx)
	if err != nil {
		return err
	}
	if !report.OK() {
		for _, c := range report.Chains {
			if len(c.Breaks) > 0 {
				return fmt.Errorf("chain %s: %d breaks, first at record %d: %s",
					c.Chain, len(c.Breaks), c.Breaks[0].ID, c.Breaks[0].Reason)
			}
		}
	}
	return nil
}
