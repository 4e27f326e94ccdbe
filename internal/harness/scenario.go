package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/outboxd/internal/ops"
)

// Scenario defines a sync scenario: steps driving the engine and assertions
// over the resulting trace and records.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Online is the initial connectivity state.
	Online bool `yaml:"online"`

	// BatchSize overrides the claim batch size (default 50).
	BatchSize int `yaml:"batch_size,omitempty"`

	// MaxRetries overrides the retry ceiling (default 5).
	MaxRetries int `yaml:"max_retries,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario action. Exactly one field is set.
type Step struct {
	Mutate       *MutateStep `yaml:"mutate,omitempty"`
	Advance      string      `yaml:"advance,omitempty"`
	Script       *ScriptStep `yaml:"script,omitempty"`
	Connectivity string      `yaml:"connectivity,omitempty"`
	Drain        bool        `yaml:"drain,omitempty"`
}

// MutateStep records a local write.
type MutateStep struct {
	Collection string `yaml:"collection"`
	Key        string `yaml:"key"`
	Action     string `yaml:"action"`
	// Payload is a JSON document; empty for deletes.
	Payload string `yaml:"payload,omitempty"`
}

// ScriptStep queues endpoint outcomes for an entity ("collection/key").
type ScriptStep struct {
	Entity   string   `yaml:"entity"`
	Outcomes []string `yaml:"outcomes"`
}

// Assertion validates the trace or final records.
type Assertion struct {
	// Type is one of call_count, call_order, record_status.
	Type string `yaml:"type"`

	// Entity restricts call_count and selects the record for record_status.
	Entity string `yaml:"entity,omitempty"`

	// Count is the expected number of calls (call_count).
	Count int `yaml:"count,omitempty"`

	// Calls lists "collection/key action" entries in expected order (call_order).
	Calls []string `yaml:"calls,omitempty"`

	// Index selects the entity's record in creation order (record_status).
	Index int `yaml:"index,omitempty"`

	// Status is the expected record status (record_status).
	Status string `yaml:"status,omitempty"`

	// Attempt is the expected attempt count (record_status); unchecked when nil.
	Attempt *int `yaml:"attempt,omitempty"`
}

// Assertion type constants.
const (
	AssertCallCount    = "call_count"
	AssertCallOrder    = "call_order"
	AssertRecordStatus = "record_status"
)

// Script outcome constants.
const (
	OutcomeOK        = "ok"
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
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

// ParseScenario parses scenario YAML, rejecting unknown fields.
func ParseScenario(data []byte) (*Scenario, error) {
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
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.BatchSize < 0 || s.MaxRetries < 0 {
		return fmt.Errorf("batch_size and max_retries must not be negative")
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	set := 0
	if step.Mutate != nil {
		set++
		if step.Mutate.Collection == "" || step.Mutate.Key == "" {
			return fmt.Errorf("mutate: collection and key are required")
		}
		if _, err := ops.ParseAction(step.Mutate.Action); err != nil {
			return fmt.Errorf("mutate: %w", err)
		}
	}
	if step.Advance != "" {
		set++
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("advance: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("advance: must not be negative")
		}
	}
	if step.Script != nil {
		set++
		if !strings.Contains(step.Script.Entity, "/") {
			return fmt.Errorf("script: entity must be collection/key, got %q", step.Script.Entity)
		}
		for _, o := range step.Script.Outcomes {
			switch o {
			case OutcomeOK, OutcomeTransient, OutcomePermanent:
			default:
				return fmt.Errorf("script: unknown outcome %q", o)
			}
		}
	}
	if step.Connectivity != "" {
		set++
		if step.Connectivity != "online" && step.Connectivity != "offline" {
			return fmt.Errorf("connectivity: must be online or offline, got %q", step.Connectivity)
		}
	}
	if step.Drain {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one of mutate, advance, script, connectivity, drain is required")
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("type is required")
	case AssertCallCount:
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for call_count")
		}
	case AssertCallOrder:
		if len(a.Calls) == 0 {
			return fmt.Errorf("calls list is required for call_order")
		}
	case AssertRecordStatus:
		if a.Entity == "" || a.Status == "" {
			return fmt.Errorf("entity and status are required for record_status")
		}
		if a.Index < 0 {
			return fmt.Errorf("index must be non-negative for record_status")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
