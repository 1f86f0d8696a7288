package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario drives several execution contexts over one shared store and
// checks what each of them ends up reading and receiving.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Contexts are the execution contexts sharing the store, in the order
	// "reconcile" visits them.
	Contexts []ContextSpec `yaml:"contexts"`

	// Subscribe lists the keys every context subscribes to before the
	// first step.
	Subscribe []string `yaml:"subscribe,omitempty"`

	// CRMShapes validates payloads against the built-in CRM shapes.
	CRMShapes bool `yaml:"crm_shapes,omitempty"`

	// QuotaBytes caps the shared store. Zero means unlimited.
	QuotaBytes int `yaml:"quota_bytes,omitempty"`

	// BackupCapacity overrides the backup ring size.
	BackupCapacity int `yaml:"backup_capacity,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// ContextSpec declares one execution context.
type ContextSpec struct {
	// Name identifies the context; its writer id is "device-<name>".
	Name string `yaml:"name"`

	// Clock is the context's starting wall clock in milliseconds.
	Clock int64 `yaml:"clock"`
}

// Step is one operation performed by a context.
type Step struct {
	// Context performing the step. Empty on "reconcile" means every context.
	Context string `yaml:"context,omitempty"`

	// Op is one of the Op* constants.
	Op string `yaml:"op"`

	Key string `yaml:"key,omitempty"`

	// Payload is the record written by "save".
	Payload any `yaml:"payload,omitempty"`

	// Millis is how far "advance" moves the context's clock.
	Millis int64 `yaml:"millis,omitempty"`

	// Times is how many upcoming writes of Key "fail_set" makes fail.
	Times int `yaml:"times,omitempty"`

	// Expect is the expected outcome of save, remove and restore.
	// Defaults to success.
	Expect *bool `yaml:"expect,omitempty"`
}

// Step operations.
const (
	OpSave        = "save"
	OpRemove      = "remove"
	OpRestore     = "restore"
	OpReconcile   = "reconcile"
	OpAdvance     = "advance"
	OpCorrupt     = "corrupt"
	OpFailSet     = "fail_set"
	OpUnsubscribe = "unsubscribe"
)

// Assertion validates the final state of one context.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Context string `yaml:"context"`
	Key     string `yaml:"key"`

	// Payload is the expected record (record).
	Payload any `yaml:"payload,omitempty"`

	// Writer and Version optionally pin the stored envelope (record).
	Writer  string `yaml:"writer,omitempty"`
	Version int64  `yaml:"version,omitempty"`

	// Count is the expected number of handler calls (deliveries) or backup
	// snapshots (backups).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertRecord     = "record"
	AssertAbsent     = "absent"
	AssertDeliveries = "deliveries"
	AssertBackups    = "backups"
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

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Contexts) == 0 {
		return fmt.Errorf("contexts list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.QuotaBytes < 0 {
		return fmt.Errorf("quota_bytes must be non-negative")
	}
	if s.BackupCapacity < 0 {
		return fmt.Errorf("backup_capacity must be non-negative")
	}

	names := make(map[string]bool, len(s.Contexts))
	for i, c := range s.Contexts {
		if c.Name == "" {
			return fmt.Errorf("contexts[%d]: name is required", i)
		}
		if names[c.Name] {
			return fmt.Errorf("contexts[%d]: duplicate name %q", i, c.Name)
		}
		if c.Clock < 0 {
			return fmt.Errorf("contexts[%d]: clock must be non-negative", i)
		}
		names[c.Name] = true
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step, names); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a, names); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *Step, names map[string]bool) error {
	if step.Context != "" && !names[step.Context] {
		return fmt.Errorf("steps[%d]: unknown context %q", index, step.Context)
	}
	if step.Context == "" && step.Op != OpReconcile {
		return fmt.Errorf("steps[%d]: context is required for %s", index, step.Op)
	}

	switch step.Op {
	case OpSave:
		if step.Key == "" {
			return fmt.Errorf("steps[%d]: key is required for save", index)
		}
		if step.Payload == nil {
			return fmt.Errorf("steps[%d]: payload is required for save", index)
		}
	case OpRemove, OpRestore, OpCorrupt:
		if step.Key == "" {
			return fmt.Errorf("steps[%d]: key is required for %s", index, step.Op)
		}
	case OpFailSet:
		if step.Key == "" {
			return fmt.Errorf("steps[%d]: key is required for fail_set", index)
		}
		if step.Times < 1 {
			return fmt.Errorf("steps[%d]: times must be at least 1 for fail_set", index)
		}
	case OpAdvance:
		if step.Millis <= 0 {
			return fmt.Errorf("steps[%d]: millis must be positive for advance", index)
		}
	case OpReconcile, OpUnsubscribe:
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, step.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, names map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if !names[a.Context] {
		return fmt.Errorf("assertions[%d]: unknown context %q", index, a.Context)
	}
	if a.Key == "" {
		return fmt.Errorf("assertions[%d]: key is required", index)
	}

	switch a.Type {
	case AssertRecord:
		if a.Payload == nil {
			return fmt.Errorf("assertions[%d]: payload is required for record", index)
		}
	case AssertAbsent:
	case AssertDeliveries, AssertBackups:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
