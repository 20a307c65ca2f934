package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// GoldenDir holds the rendered traces that RunWithGolden compares against,
// relative to the package under test. Regenerate them with
// go test ./internal/harness -update.
const GoldenDir = "testdata/golden"

// RunWithGolden runs sc and fails t if its rendered trace differs from
// GoldenDir/<name>.golden. Expect and assertion failures stay in the
// returned Result for the caller to report.
func RunWithGolden(t *testing.T, sc *Scenario) (*Result, error) {
	t.Helper()

	res, err := Run(context.Background(), sc)
	if err != nil {
		return nil, err
	}
	goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	).Assert(t, sc.Name, res.Render(sc.Name))
	return res, nil
}
