package ledger

import (
	"context"
	"fmt"
)

// Break is one record whose chain link or content hash does not verify.
type Break struct {
	ID     int64  `json:"id"`
	Reason string `json:"reason"`
}

// ChainReport is the verification result of one chain.
type ChainReport struct {
	Chain   string  `json:"chain"`
	Records int     `json:"records"`
	Head    string  `json:"head"`
	Breaks  []Break `json:"breaks,omitempty"`
}

// Report is the verification result of every chain.
type Report struct {
	Chains []ChainReport `json:"chains"`
}

// OK reports whether every chain verified.
func (r Report) OK() bool {
	for _, c := range r.Chains {
		if len(c.Breaks) > 0 {
			return false
		}
	}
	return true
}

// Verify recomputes every hash of every chain from genesis. It only reads.
func (l *Ledger) Verify(ctx context.Context) (Report, error) {
	r := l.store.Reader()

	events, err := r.AllEvents(ctx)
	if err != nil {
		return Report{}, err
	}
	decisions, err := r.AllDecisions(ctx)
	if err != nil {
		return Report{}, err
	}
	approvals, err := r.AllApprovals(ctx)
	if err != nil {
		return Report{}, err
	}

	var report Report

	c := newChecker(KindTransition)
	for _, ev := range events {
		h, err := EventHash(ev)
		c.check(ev.ID, ev.PrevHash, ev.EventHash, h, err)
	}
	report.Chains = append(report.Chains, c.report())

	c = newChecker(KindDecision)
	for _, d := range decisions {
		h, err := DecisionHash(d)
		c.check(d.ID, d.PrevHash, d.RecordHash, h, err)
	}
	report.Chains = append(report.Chains, c.report())

	c = newChecker(KindApproval)
	for _, a := range approvals {
		h, err := ApprovalHash(a)
		c.check(a.ID, a.PrevHash, a.RecordHash, h, err)
	}
	report.Chains = append(report.Chains, c.report())

	return report, nil
}

type checker struct {
	rep  ChainReport
	prev string
}

func newChecker(chain string) *checker {
	return &checker{rep: ChainReport{Chain: chain}, prev: orGenesis("")}
}

func (c *checker) check(id int64, prevHash, stored, computed string, err error) {
	c.rep.Records++
	switch {
	case err != nil:
		c.rep.Breaks = append(c.rep.Breaks, Break{ID: id, Reason: err.Error()})
	case prevHash != c.prev:
		c.rep.Breaks = append(c.rep.Breaks, Break{ID: id, Reason: fmt.Sprintf("prev_hash %s does not link to %s", short(prevHash), short(c.prev))})
	case stored != computed:
		c.rep.Breaks = append(c.rep.Breaks, Break{ID: id, Reason: fmt.Sprintf("stored hash %s, recomputed %s", short(stored), short(computed))})
	}
	c.prev = stored
}

func (c *checker) report() ChainReport {
	c.rep.Head = c.prev
	return c.rep
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
