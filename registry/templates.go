package registry

import (
	"sync"

	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/types"
)

// TemplateFunc builds a routine instance from a template. The factory
// is invoked once per job or per flow build, so routines produced here
// are never shared across concurrent jobs unless the caller chooses to.
type TemplateFunc func(id string, config map[string]any) (*flow.Routine, error)

var (
	tplMu     sync.RWMutex
	templates = make(map[string]TemplateFunc)
)

// RegisterTemplate adds a routine template under a class name. The DSL
// builder resolves its "class" field here.
func RegisterTemplate(class string, fn TemplateFunc) error {
	tplMu.Lock()
	defer tplMu.Unlock()
	if _, exists := templates[class]; exists {
		return types.Errorf(types.ErrorKindValidation, "routine template %q already registered", class)
	}
	templates[class] = fn
	return nil
}

// MustRegisterTemplate is RegisterTemplate that panics on error.
func MustRegisterTemplate(class string, fn TemplateFunc) {
	if err := RegisterTemplate(class, fn); err != nil {
		panic(err)
	}
}

// BuildRoutine instantiates a routine from a registered template.
func BuildRoutine(class, id string, config map[string]any) (*flow.Routine, error) {
	tplMu.RLock()
	fn, ok := templates[class]
	tplMu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.ErrorKindValidation, "unknown routine template %q", class)
	}
	return fn(id, config)
}

// TemplateRegistered reports whether a class name is known.
func TemplateRegistered(class string) bool {
	tplMu.RLock()
	defer tplMu.RUnlock()
	_, ok := templates[class]
	return ok
}
