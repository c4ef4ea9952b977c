package harness

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/upsert/internal/engine"
	"github.com/roach88/upsert/internal/ir"
	"github.com/roach88/upsert/internal/testutil"
)

// Scenario drives an upsert operator through a scripted input and states
// what the output should be.
type Scenario struct {
	// Name uniquely identifies this scenario. Also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// KeyIndices are the key column positions within value rows.
	KeyIndices []int `yaml:"key_indices"`

	// ResumeUpper is the frontier below which Previous is durable.
	ResumeUpper uint64 `yaml:"resume_upper,omitempty"`

	// Workers is the default number of workers. Options.Workers overrides it.
	Workers int `yaml:"workers,omitempty"`

	// Previous is the output of an earlier run, replayed for rehydration.
	Previous []RecordSpec `yaml:"previous,omitempty"`

	// Steps are fed to the operator in order. Each step is either a batch of
	// commands or a progress notification.
	Steps []Step `yaml:"steps"`

	// Expect, when present, is checked against the run.
	Expect *Expectation `yaml:"expect,omitempty"`
}

// ValueSpec is a row or a data-level error.
type ValueSpec struct {
	Row   []any      `yaml:"row,omitempty"`
	Error *ErrorSpec `yaml:"error,omitempty"`
}

// ErrorSpec describes an ir.UpsertError.
type ErrorSpec struct {
	// Kind is one of key_decode, null_key, value.
	Kind string `yaml:"kind"`

	// Raw is the undecodable key as hex (key_decode).
	Raw string `yaml:"raw,omitempty"`

	// Message and ForKey describe a value error.
	Message string `yaml:"message,omitempty"`
	ForKey  []any  `yaml:"for_key,omitempty"`
}

// RecordSpec is one output update.
type RecordSpec struct {
	ValueSpec `yaml:",inline"`
	Time      uint64 `yaml:"time"`
	Diff      int64  `yaml:"diff"`
}

// Step is one input event.
type Step struct {
	Commands []CommandSpec `yaml:"commands,omitempty"`
	Progress *uint64       `yaml:"progress,omitempty"`
}

// CommandSpec is one upsert command.
//
// The key is taken from Key when given, otherwise from the value: a row is
// projected on the scenario's key indices and an error supplies its own key.
// Order defaults to arrival order across the scenario.
type CommandSpec struct {
	Time      uint64 `yaml:"time"`
	Order     *int64 `yaml:"order,omitempty"`
	Key       []any  `yaml:"key,omitempty"`
	Delete    bool   `yaml:"delete,omitempty"`
	ValueSpec `yaml:",inline"`
	Diff      *int64 `yaml:"diff,omitempty"`
}

// Expectation is the expected outcome of a scenario.
type Expectation struct {
	// Output lists every emitted update, in any order.
	Output []RecordSpec `yaml:"output,omitempty"`

	// Collection lists the values of the final output collection, including
	// rehydrated state, in any order.
	Collection []ValueSpec `yaml:"collection,omitempty"`

	// Error is the RuntimeError code the run must fail with.
	Error string `yaml:"error,omitempty"`
}

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
	// Strict field validation catches typos like "step:" vs "steps:".
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
	if len(s.KeyIndices) == 0 {
		return fmt.Errorf("key_indices list is required and must be non-empty")
	}
	if s.Workers < 0 {
		return fmt.Errorf("workers must be non-negative")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	var last uint64
	for i, step := range s.Steps {
		hasCommands := len(step.Commands) > 0
		hasProgress := step.Progress != nil
		if hasCommands == hasProgress {
			return fmt.Errorf("steps[%d]: exactly one of commands or progress is required", i)
		}
		if hasProgress {
			// Output progress only advances when the frontier does.
			if *step.Progress <= last {
				return fmt.Errorf("steps[%d]: progress %d must exceed %d", i, *step.Progress, last)
			}
			last = *step.Progress
		}
		for j, c := range step.Commands {
			if err := validateCommand(c); err != nil {
				return fmt.Errorf("steps[%d].commands[%d]: %w", i, j, err)
			}
		}
	}

	if s.Expect != nil && s.Expect.Error != "" {
		switch engine.RuntimeErrorCode(s.Expect.Error) {
		case engine.ErrCodeInvalidState, engine.ErrCodeInvalidInput, engine.ErrCodeBackend:
		default:
			return fmt.Errorf("expect.error: unknown code %q", s.Expect.Error)
		}
	}
	return nil
}

func validateCommand(c CommandSpec) error {
	hasValue := c.Row != nil || c.Error != nil
	if c.Delete {
		if c.Row != nil {
			return fmt.Errorf("delete cannot carry a row")
		}
		if c.Key == nil && c.Error == nil {
			return fmt.Errorf("delete requires a key or an error")
		}
		return nil
	}
	if !hasValue {
		return fmt.Errorf("row or error is required unless delete is set")
	}
	if c.Row != nil && c.Error != nil {
		return fmt.Errorf("row and error are mutually exclusive")
	}
	return nil
}

// Value converts the spec into an ir.UpsertValue.
func (v ValueSpec) Value() (ir.UpsertValue, error) {
	if v.Error != nil {
		uerr, err := v.Error.UpsertError()
		if err != nil {
			return ir.UpsertValue{}, err
		}
		return ir.Fail(uerr), nil
	}
	row, err := ir.RowFromAny(v.Row)
	if err != nil {
		return ir.UpsertValue{}, err
	}
	return ir.Ok(row), nil
}

// UpsertError converts the spec into an ir.UpsertError.
func (e ErrorSpec) UpsertError() (*ir.UpsertError, error) {
	kind, err := ir.ParseErrorKind(e.Kind)
	if err != nil {
		return nil, err
	}
	switch kind {
	case ir.ErrKeyDecode:
		raw, err := hex.DecodeString(e.Raw)
		if err != nil {
			return nil, fmt.Errorf("raw: %w", err)
		}
		return ir.KeyDecodeError(raw), nil
	case ir.ErrNullKey:
		return ir.NullKeyError(), nil
	default:
		forKey, err := ir.RowFromAny(e.ForKey)
		if err != nil {
			return nil, fmt.Errorf("for_key: %w", err)
		}
		return ir.ValueError(e.Message, forKey), nil
	}
}

// Update converts the spec into an engine.Update.
func (r RecordSpec) Update() (engine.Update, error) {
	v, err := r.Value()
	if err != nil {
		return engine.Update{}, err
	}
	return engine.Update{Value: v, Time: engine.Timestamp(r.Time), Diff: r.Diff}, nil
}

// compiled is a scenario converted to operator events.
type compiled struct {
	previous []engine.Event[engine.Update]
	steps    []engine.Event[engine.Command]
}

// compile converts a validated scenario into operator events. Orders left
// unset in the scenario are assigned from clock in arrival order.
func (s *Scenario) compile(clock *testutil.OrderClock) (*compiled, error) {
	hasher := ir.NewHasher()
	out := &compiled{}

	if len(s.Previous) > 0 {
		updates := make([]engine.Update, len(s.Previous))
		for i, r := range s.Previous {
			u, err := r.Update()
			if err != nil {
				return nil, fmt.Errorf("previous[%d]: %w", i, err)
			}
			updates[i] = u
		}
		out.previous = append(out.previous, engine.DataEvent(updates...))
	}
	out.previous = append(out.previous,
		engine.ProgressEvent[engine.Update](engine.At(engine.Timestamp(s.ResumeUpper))))

	for i, step := range s.Steps {
		if step.Progress != nil {
			out.steps = append(out.steps,
				engine.ProgressEvent[engine.Command](engine.At(engine.Timestamp(*step.Progress))))
			continue
		}
		cmds := make([]engine.Command, len(step.Commands))
		for j, spec := range step.Commands {
			c, err := s.command(spec, hasher, clock)
			if err != nil {
				return nil, fmt.Errorf("steps[%d].commands[%d]: %w", i, j, err)
			}
			cmds[j] = c
		}
		out.steps = append(out.steps, engine.DataEvent(cmds...))
	}
	return out, nil
}

func (s *Scenario) command(spec CommandSpec, hasher *ir.Hasher, clock *testutil.OrderClock) (engine.Command, error) {
	c := engine.Command{Time: engine.Timestamp(spec.Time), Diff: 1}
	if spec.Diff != nil {
		c.Diff = *spec.Diff
	}
	if spec.Order != nil {
		c.Order = *spec.Order
	} else {
		c.Order = clock.Next()
	}

	var value *ir.UpsertValue
	if spec.Row != nil || spec.Error != nil {
		v, err := spec.Value()
		if err != nil {
			return engine.Command{}, err
		}
		value = &v
	}

	switch {
	case spec.Key != nil:
		key, err := ir.RowFromAny(spec.Key)
		if err != nil {
			return engine.Command{}, fmt.Errorf("key: %w", err)
		}
		c.Key = hasher.FromKey(ir.Ok(key))
	case value != nil && !value.IsOk():
		c.Key = hasher.FromKey(*value)
	default:
		c.Key = hasher.FromValue(*value, s.KeyIndices)
	}

	if !spec.Delete {
		c.Value = value
	}
	return c, nil
}
