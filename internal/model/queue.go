// Package model defines the data structures for simq's queue definitions,
// execution state, and configuration.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// ErrInvalidDefinition wraps all queue definition validation failures.
var ErrInvalidDefinition = errors.New("invalid queue definition")

// QueueDefinition describes an ordered list of simulation runs. It is loaded
// once at controller start and never mutated; run order is the execution order.
type QueueDefinition struct {
	SchemaVersion int             `json:"schema_version,omitempty"`
	QueueName     string          `json:"queue_name"`
	CreatedAt     string          `json:"created_at,omitempty"`
	ErrorHandling ErrorPolicy     `json:"error_handling"`
	SweepDefaults SweepParams     `json:"sweep_defaults,omitempty"`
	Runs          []RunSpec       `json:"runs"`
}

// SweepParams maps a parameter name to the ordered list of values it sweeps.
type SweepParams map[string][]any

// RunSpec is one element of the queue.
type RunSpec struct {
	Script         string      `json:"script"`
	Description    string      `json:"description"`
	SweepOverrides SweepParams `json:"sweep_overrides,omitempty"`
	Args           []string    `json:"args,omitempty"`
	Enabled        *bool       `json:"enabled,omitempty"`
}

// IsEnabled reports whether the run should be executed. Enabled defaults to
// true when absent from the definition file.
func (r RunSpec) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// EffectiveSweep merges the queue-level sweep defaults with this run's
// overrides. The merge is shallow: a key present in the overrides replaces the
// default's value list for that key entirely; absent keys keep the default.
func (r RunSpec) EffectiveSweep(defaults SweepParams) SweepParams {
	if len(defaults) == 0 && len(r.SweepOverrides) == 0 {
		return nil
	}
	merged := make(SweepParams, len(defaults)+len(r.SweepOverrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range r.SweepOverrides {
		merged[k] = v
	}
	return merged
}

// MarshalSweep serializes sweep parameters as compact JSON with sorted keys,
// suitable for the --sweep-override argument and for fingerprinting.
func MarshalSweep(p SweepParams) (string, error) {
	if len(p) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return "", fmt.Errorf("marshal sweep key %q: %w", k, err)
		}
		vb, err := json.Marshal(p[k])
		if err != nil {
			return "", fmt.Errorf("marshal sweep values for %q: %w", k, err)
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return string(buf), nil
}

// LoadQueueDefinition reads and validates a queue definition file.
func LoadQueueDefinition(path string) (*QueueDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}
	return ParseQueueDefinition(data)
}

// ParseQueueDefinition parses and validates queue definition content.
func ParseQueueDefinition(data []byte) (*QueueDefinition, error) {
	var def QueueDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: parse json: %v", ErrInvalidDefinition, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural invariants of the definition. The schema header
// is optional in queue files (they are authored by hand or by `simq create`),
// but a version newer than this binary understands is rejected.
func (d *QueueDefinition) Validate() error {
	if d.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("%w: unsupported schema_version %d (max supported: %d)",
			ErrInvalidDefinition, d.SchemaVersion, CurrentSchemaVersion)
	}
	if d.QueueName == "" {
		return fmt.Errorf("%w: missing queue_name", ErrInvalidDefinition)
	}
	policy, err := ParseErrorPolicy(string(d.ErrorHandling))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	d.ErrorHandling = policy
	if len(d.Runs) == 0 {
		return fmt.Errorf("%w: queue %q has no runs", ErrInvalidDefinition, d.QueueName)
	}
	for i, run := range d.Runs {
		if run.Script == "" {
			return fmt.Errorf("%w: run %d has no script", ErrInvalidDefinition, i)
		}
	}
	return nil
}

// EnabledCount returns the number of enabled runs.
func (d *QueueDefinition) EnabledCount() int {
	n := 0
	for _, r := range d.Runs {
		if r.IsEnabled() {
			n++
		}
	}
	return n
}
