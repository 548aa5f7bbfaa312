package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/govern/internal/engine"
	"github.com/roach88/govern/internal/record"
)

// Scenario declares one engine run: configuration, seed data, handler
// wiring, the steps to execute and the assertions over the outcome.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden traces are named
	// after it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Backend selects the persistence layer: "memory" (default) or
	// "sqlite" for a throwaway database file.
	Backend string `yaml:"backend,omitempty"`

	// Config is an inline CUE document applied over the defaults.
	Config string `yaml:"config,omitempty"`

	// Seed entities are written before the first step.
	Seed []EntitySpec `yaml:"seed,omitempty"`

	// Wiring registers catalog handlers and PostCommit tasks.
	Wiring []Wiring `yaml:"wiring,omitempty"`

	// Tasks registers recording tasks for fire-and-forget and scheduled jobs.
	Tasks []TaskSpec `yaml:"tasks,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the outcome after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// EntitySpec is an entity written in a scenario.
type EntitySpec struct {
	Entity  string            `yaml:"entity,omitempty"`
	ID      string            `yaml:"id"`
	Fields  map[string]any    `yaml:"fields,omitempty"`
	Parents map[string]string `yaml:"parents,omitempty"`
}

func (s EntitySpec) build(entityType string) (record.Entity, error) {
	if s.Entity != "" {
		entityType = s.Entity
	}
	fields, err := record.ObjectFromGo(s.Fields)
	if err != nil {
		return record.Entity{}, fmt.Errorf("%s %s: %w", entityType, s.ID, err)
	}
	e := record.NewEntity(entityType, s.ID, fields)
	for rel, id := range s.Parents {
		e = e.WithParent(rel, id)
	}
	return e, nil
}

// Wiring attaches a catalog handler to (Entity, Stage), or a task to the
// PostCommit stage of Entity.
type Wiring struct {
	Entity  string         `yaml:"entity"`
	Stage   engine.Stage   `yaml:"stage"`
	Handler string         `yaml:"handler,omitempty"`
	Task    string         `yaml:"task,omitempty"`
	Args    map[string]any `yaml:"args,omitempty"`
}

// TaskSpec is a recording task. Fail makes every run of it fail.
type TaskSpec struct {
	Name string `yaml:"name"`
	Fail bool   `yaml:"fail,omitempty"`
}

// Step is one of: a dispatch, a run of pending jobs, or a clock advance
// that fires due schedules and then runs pending jobs.
type Step struct {
	Dispatch *DispatchStep `yaml:"dispatch,omitempty"`
	RunJobs  bool          `yaml:"run_jobs,omitempty"`
	Advance  string        `yaml:"advance,omitempty"`
	Expect   *Expect       `yaml:"expect,omitempty"`
}

func (s Step) kind() string {
	switch {
	case s.Dispatch != nil:
		return "dispatch"
	case s.RunJobs:
		return "run_jobs"
	case s.Advance != "":
		return "advance"
	default:
		return ""
	}
}

// DispatchStep builds an Event. Update records are merged over the stored
// entity; delete records need only an ID.
type DispatchStep struct {
	Op      record.Operation `yaml:"op"`
	Entity  string           `yaml:"entity"`
	Records []EntitySpec     `yaml:"records"`
}

// Expect checks the outcome of a dispatch step.
type Expect struct {
	// Fails expects the dispatch to return an error.
	Fails bool `yaml:"fails,omitempty"`
	// Stage is the stage the failure is attributed to.
	Stage engine.Stage `yaml:"stage,omitempty"`
	// Committed expects the persisted changes to have been committed.
	Committed *bool `yaml:"committed,omitempty"`
	// Rejected lists the IDs a BeforeValidate handler must have refused.
	Rejected []string `yaml:"rejected,omitempty"`
	// Contains is a substring of the error message.
	Contains string `yaml:"contains,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field validation.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	switch s.Backend {
	case "", BackendMemory, BackendSQLite:
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, e := range s.Seed {
		if e.Entity == "" || e.ID == "" {
			return fmt.Errorf("seed[%d]: entity and id are required", i)
		}
	}

	for i, w := range s.Wiring {
		if err := validateWiring(w); err != nil {
			return fmt.Errorf("wiring[%d]: %w", i, err)
		}
	}

	for i, t := range s.Tasks {
		if t.Name == "" {
			return fmt.Errorf("tasks[%d]: name is required", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateWiring(w Wiring) error {
	if w.Entity == "" {
		return fmt.Errorf("entity is required")
	}
	if w.Stage == engine.PostCommit {
		if w.Task == "" || w.Handler != "" {
			return fmt.Errorf("post_commit wiring takes a task and no handler")
		}
		return nil
	}
	if w.Handler == "" {
		return fmt.Errorf("handler is required")
	}
	if _, ok := catalog[w.Handler]; !ok {
		return fmt.Errorf("unknown handler %q", w.Handler)
	}
	return nil
}

func validateStep(step Step) error {
	set := 0
	if step.Dispatch != nil {
		set++
	}
	if step.RunJobs {
		set++
	}
	if step.Advance != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one of dispatch, run_jobs or advance is required")
	}
	if step.Expect != nil && step.Dispatch == nil {
		return fmt.Errorf("expect is only valid on dispatch steps")
	}

	if d := step.Dispatch; d != nil {
		if !d.Op.Valid() {
			return fmt.Errorf("dispatch: invalid op %q", d.Op)
		}
		if d.Entity == "" {
			return fmt.Errorf("dispatch: entity is required")
		}
		if len(d.Records) == 0 {
			return fmt.Errorf("dispatch: records list is required and must be non-empty")
		}
		for i, r := range d.Records {
			if r.ID == "" {
				return fmt.Errorf("dispatch.records[%d]: id is required", i)
			}
		}
	}
	if step.Advance != "" {
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("advance: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("advance: duration must be positive")
		}
	}
	return nil
}
