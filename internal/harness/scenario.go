package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted sequence of control-plane operations.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Steps run in order against one store.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one operation. Which fields apply depends on Op.
type Step struct {
	Op string `yaml:"op"`

	// Actor defaults to DefaultActor.
	Actor string `yaml:"actor,omitempty"`

	// lawbook
	Document string `yaml:"document,omitempty"`
	Activate bool   `yaml:"activate,omitempty"`

	// create, transition, handoff, verdict
	Issue  string `yaml:"issue,omitempty"`
	Title  string `yaml:"title,omitempty"`
	To     string `yaml:"to,omitempty"`
	Reason string `yaml:"reason,omitempty"`
	State  string `yaml:"state,omitempty"`

	// transition evidence and verdict
	Run     string `yaml:"run,omitempty"`
	Hash    string `yaml:"hash,omitempty"`
	Verdict string `yaml:"verdict,omitempty"`

	// evaluate
	Action  string         `yaml:"action,omitempty"`
	Target  string         `yaml:"target,omitempty"`
	Params  map[string]any `yaml:"params,omitempty"`
	Request string         `yaml:"request,omitempty"`

	// approve; Ref names the request id of an earlier evaluate step
	Ref      string `yaml:"ref,omitempty"`
	Decision string `yaml:"decision,omitempty"`
	Phrase   string `yaml:"phrase,omitempty"`

	// override
	Class string `yaml:"class,omitempty"`

	// advance
	Duration string `yaml:"duration,omitempty"`

	// Expect is compared with the step's trace Result when set.
	Expect string `yaml:"expect,omitempty"`
}

// Step operations.
const (
	OpLawbook    = "lawbook"
	OpCreate     = "create"
	OpTransition = "transition"
	OpHandoff    = "handoff"
	OpVerdict    = "verdict"
	OpEvaluate   = "evaluate"
	OpApprove    = "approve"
	OpOverride   = "override"
	OpAdvance    = "advance"
)

// DefaultActor is used by steps that name no actor.
const DefaultActor = "harness"

// Assertion validates the state left by a scenario.
type Assertion struct {
	// Type specifies the assertion type:
	// - "issue_status": Issue is in Status
	// - "lease": Class is held by Issue, or free when Issue is empty
	// - "decision_count": the fingerprint of Request has Count decisions
	// - "ledger_verified": every hash chain verifies
	Type string `yaml:"type"`

	Issue   string `yaml:"issue,omitempty"`
	Status  string `yaml:"status,omitempty"`
	Class   string `yaml:"class,omitempty"`
	Request string `yaml:"request,omitempty"`
	Count   int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertIssueStatus    = "issue_status"
	AssertLease          = "lease"
	AssertDecisionCount  = "decision_count"
	AssertLedgerVerified = "ledger_verified"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// FindScenarios returns the .yaml and .yml files in dir whose base name
// matches the glob filter, sorted by name. An empty filter matches all.
func FindScenarios(dir, filter string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if filter != "" {
			ok, err := filepath.Match(filter, strings.TrimSuffix(name, ext))
			if err != nil {
				return nil, fmt.Errorf("invalid filter %q: %w", filter, err)
			}
			if !ok {
				continue
			}
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, step.Op, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertion %d (%s): %w", i+1, a.Type, err)
		}
	}
	return nil
}

func validateStep(st Step) error {
	switch st.Op {
	case OpLawbook:
		return requireField(st.Document, "document")
	case OpCreate:
		return requireField(st.Issue, "issue")
	case OpTransition:
		if err := requireField(st.Issue, "issue"); err != nil {
			return err
		}
		return requireField(st.To, "to")
	case OpHandoff:
		if err := requireField(st.Issue, "issue"); err != nil {
			return err
		}
		return requireField(st.State, "state")
	case OpVerdict:
		fields := [][2]string{{"issue", st.Issue}, {"run", st.Run}, {"hash", st.Hash}, {"verdict", st.Verdict}}
		for _, f := range fields {
			if err := requireField(f[1], f[0]); err != nil {
				return err
			}
		}
		return nil
	case OpEvaluate:
		if err := requireField(st.Action, "action"); err != nil {
			return err
		}
		return requireField(st.Target, "target")
	case OpApprove:
		if err := requireField(st.Ref, "ref"); err != nil {
			return err
		}
		return requireField(st.Decision, "decision")
	case OpOverride:
		if err := requireField(st.Class, "class"); err != nil {
			return err
		}
		return requireField(st.Reason, "reason")
	case OpAdvance:
		d, err := time.ParseDuration(st.Duration)
		if err != nil {
			return fmt.Errorf("duration: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("duration must be positive")
		}
		return nil
	case "":
		return fmt.Errorf("op is required")
	}
	return fmt.Errorf("unknown op %q", st.Op)
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertIssueStatus:
		if err := requireField(a.Issue, "issue"); err != nil {
			return err
		}
		return requireField(a.Status, "status")
	case AssertLease:
		return requireField(a.Class, "class")
	case AssertDecisionCount:
		return requireField(a.Request, "request")
	case AssertLedgerVerified:
		return nil
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func requireField(v, field string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}
