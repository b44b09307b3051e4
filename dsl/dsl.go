// Package dsl parses flow descriptions (YAML or JSON) into flow graphs
// and exports them back.
//
// A description names routine template classes; the builder resolves
// them through the template registry. Connections deliver event
// payloads to slots verbatim; there is no parameter mapping.
package dsl

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/registry"
	"github.com/pithecene-io/sluice/types"
)

// Duration wraps time.Duration for "10s"-style strings in YAML and JSON.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// UnmarshalJSON parses a quoted duration string.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.parse(s)
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// MarshalJSON renders the duration as a quoted string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) parse(s string) error {
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// RoutineDef declares one routine of a flow description.
type RoutineDef struct {
	Class  string         `yaml:"class" json:"class"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// ConnectionDef wires one event to one slot.
type ConnectionDef struct {
	SourceRoutine string `yaml:"source_routine" json:"source_routine"`
	SourceEvent   string `yaml:"source_event" json:"source_event"`
	TargetRoutine string `yaml:"target_routine" json:"target_routine"`
	TargetSlot    string `yaml:"target_slot" json:"target_slot"`
}

// ErrorPolicyDef configures failure handling in a description.
type ErrorPolicyDef struct {
	Mode        string   `yaml:"mode" json:"mode"`
	MaxRetries  int      `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	Delay       Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
	Backoff     float64  `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	OnExhausted string   `yaml:"on_exhausted,omitempty" json:"on_exhausted,omitempty"`
}

// Definition is a complete flow description.
type Definition struct {
	FlowID           string                `yaml:"flow_id" json:"flow_id"`
	ExecutionTimeout Duration              `yaml:"execution_timeout,omitempty" json:"execution_timeout,omitempty"`
	ErrorPolicy      *ErrorPolicyDef       `yaml:"error_policy,omitempty" json:"error_policy,omitempty"`
	Routines         map[string]RoutineDef `yaml:"routines" json:"routines"`
	RoutineOrder     []string              `yaml:"routine_order,omitempty" json:"routine_order,omitempty"`
	Connections      []ConnectionDef       `yaml:"connections" json:"connections"`
}

// ParseYAML decodes a YAML flow description.
func ParseYAML(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, types.NewError(types.ErrorKindValidation, "", err)
	}
	return &def, def.validate()
}

// ParseJSON decodes a JSON flow description.
func ParseJSON(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, types.NewError(types.ErrorKindValidation, "", err)
	}
	return &def, def.validate()
}

func (def *Definition) validate() error {
	if def.FlowID == "" {
		return types.Errorf(types.ErrorKindValidation, "flow description: flow_id is required")
	}
	if len(def.Routines) == 0 {
		return types.Errorf(types.ErrorKindValidation, "flow %q: at least one routine is required", def.FlowID)
	}
	for id, rd := range def.Routines {
		if rd.Class == "" {
			return types.Errorf(types.ErrorKindValidation, "flow %q: routine %q: class is required", def.FlowID, id)
		}
	}
	return nil
}

// routineIDs returns routine ids in a stable order: the explicit
// routine_order when given, lexical otherwise.
func (def *Definition) routineIDs() []string {
	if len(def.RoutineOrder) > 0 {
		return def.RoutineOrder
	}
	ids := make([]string, 0, len(def.Routines))
	for id := range def.Routines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Build instantiates the flow: routines from registered templates,
// connections validated as they are wired.
func (def *Definition) Build() (*flow.Flow, error) {
	f := flow.New(def.FlowID)
	if def.ExecutionTimeout.Duration > 0 {
		f.SetExecutionTimeout(def.ExecutionTimeout.Duration)
	}
	if def.ErrorPolicy != nil {
		f.SetErrorPolicy(def.ErrorPolicy.toFlow())
	}

	for _, id := range def.routineIDs() {
		rd, ok := def.Routines[id]
		if !ok {
			return nil, types.Errorf(types.ErrorKindValidation, "flow %q: routine_order names unknown routine %q", def.FlowID, id)
		}
		r, err := registry.BuildRoutine(rd.Class, id, rd.Config)
		if err != nil {
			return nil, err
		}
		r.SetClass(rd.Class)
		if err := f.AddRoutine(r); err != nil {
			return nil, err
		}
	}

	for _, c := range def.Connections {
		if err := f.Connect(c.SourceRoutine, c.SourceEvent, c.TargetRoutine, c.TargetSlot); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Export reconstructs a description from a built flow. Routines built
// outside the DSL export their logic name as the class.
func Export(f *flow.Flow) *Definition {
	def := &Definition{
		FlowID:   f.ID(),
		Routines: make(map[string]RoutineDef, len(f.RoutineIDs())),
	}
	if timeout := f.ExecutionTimeout(); timeout > 0 {
		def.ExecutionTimeout = Duration{timeout}
	}
	if p := f.ErrorPolicy(); p != nil {
		def.ErrorPolicy = errorPolicyDef(p)
	}

	def.RoutineOrder = f.RoutineIDs()
	for _, r := range f.Routines() {
		class := r.Class()
		if class == "" {
			class = r.LogicName()
		}
		rd := RoutineDef{Class: class}
		if cfg := r.Config(); len(cfg) > 0 {
			rd.Config = cfg
		}
		def.Routines[r.ID()] = rd
	}

	for _, c := range f.Connections() {
		def.Connections = append(def.Connections, ConnectionDef{
			SourceRoutine: c.SourceRoutine,
			SourceEvent:   c.SourceEvent,
			TargetRoutine: c.TargetRoutine,
			TargetSlot:    c.TargetSlot,
		})
	}
	return def
}

// MarshalYAMLBytes renders the definition as YAML bytes.
func (def *Definition) MarshalYAMLBytes() ([]byte, error) {
	return yaml.Marshal(def)
}

// MarshalJSONBytes renders the definition as indented JSON bytes.
func (def *Definition) MarshalJSONBytes() ([]byte, error) {
	return json.MarshalIndent(def, "", "  ")
}

func (p *ErrorPolicyDef) toFlow() *flow.ErrorPolicy {
	return &flow.ErrorPolicy{
		Mode:        flow.ErrorMode(p.Mode),
		MaxRetries:  p.MaxRetries,
		Delay:       p.Delay.Duration,
		Backoff:     p.Backoff,
		OnExhausted: flow.ErrorMode(p.OnExhausted),
	}
}

func errorPolicyDef(p *flow.ErrorPolicy) *ErrorPolicyDef {
	return &ErrorPolicyDef{
		Mode:        string(p.Mode),
		MaxRetries:  p.MaxRetries,
		Delay:       Duration{p.Delay},
		Backoff:     p.Backoff,
		OnExhausted: string(p.OnExhausted),
	}
}
