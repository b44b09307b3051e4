package policy

import (
	"fmt"
	"sync"

	"github.com/pithecene-io/sluice/flow"
)

// Factory builds a policy from a parameter map. Parameter values come
// from DSL documents or snapshots, so numbers may arrive as int,
// int64 or float64.
type Factory func(params map[string]any) (flow.Policy, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a policy factory under a stable name. Registering a
// duplicate name is an error.
func Register(name string, factory Factory) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		return fmt.Errorf("policy %q already registered", name)
	}
	registry[name] = factory
	return nil
}

// MustRegister is Register that panics on error. For init-time use.
func MustRegister(name string, factory Factory) {
	if err := Register(name, factory); err != nil {
		panic(err)
	}
}

// RegisterCustom registers a fixed custom policy under its name, so
// snapshots and DSL documents can reference it.
func RegisterCustom(name string, fn PredicateFunc) error {
	p, err := NewCustom(name, fn)
	if err != nil {
		return err
	}
	return Register(name, func(map[string]any) (flow.Policy, error) { return p, nil })
}

// Build constructs a policy by registered name.
func Build(name string, params map[string]any) (flow.Policy, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown policy %q", name)
	}
	return factory(params)
}

// Registered reports whether a policy name is known.
func Registered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

// ParamsOf extracts the serialisable parameters of a policy, nil when
// the policy takes none.
func ParamsOf(p flow.Policy) map[string]any {
	if pp, ok := p.(interface{ Params() map[string]any }); ok {
		return pp.Params()
	}
	return nil
}

func intParam(params map[string]any, key string) (int, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("missing param %q", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("param %q: expected number, got %T", key, v)
	}
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing param %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("param %q: expected string, got %T", key, v)
	}
	return s, nil
}

func init() {
	MustRegister(NameImmediate, func(map[string]any) (flow.Policy, error) {
		return NewImmediate(), nil
	})
	MustRegister(NameAllSlotsReady, func(map[string]any) (flow.Policy, error) {
		return NewAllSlotsReady(), nil
	})
	MustRegister(NameBatchSize, func(params map[string]any) (flow.Policy, error) {
		n, err := intParam(params, "n")
		if err != nil {
			return nil, fmt.Errorf("batch_size: %w", err)
		}
		slot, err := stringParam(params, "slot")
		if err != nil {
			return nil, fmt.Errorf("batch_size: %w", err)
		}
		return NewBatchSize(n, slot)
	})
	MustRegister(NameWatermark, func(params map[string]any) (flow.Policy, error) {
		threshold, err := intParam(params, "threshold")
		if err != nil {
			return nil, fmt.Errorf("watermark: %w", err)
		}
		slot, err := stringParam(params, "slot")
		if err != nil {
			return nil, fmt.Errorf("watermark: %w", err)
		}
		return NewWatermark(threshold, slot)
	})
}
