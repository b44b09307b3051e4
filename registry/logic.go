package registry

import (
	"sync"

	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/types"
)

var (
	logicMu sync.RWMutex
	logics  = make(map[string]flow.Logic)
)

// RegisterLogic adds a logic function under a stable name. Snapshots
// reference logic by name, never by serialised code.
func RegisterLogic(name string, fn flow.Logic) error {
	logicMu.Lock()
	defer logicMu.Unlock()
	if _, exists := logics[name]; exists {
		return types.Errorf(types.ErrorKindValidation, "logic %q already registered", name)
	}
	logics[name] = fn
	return nil
}

// MustRegisterLogic is RegisterLogic that panics on error.
func MustRegisterLogic(name string, fn flow.Logic) {
	if err := RegisterLogic(name, fn); err != nil {
		panic(err)
	}
}

// Logic returns the logic registered under name, nil when unknown.
func Logic(name string) flow.Logic {
	logicMu.RLock()
	defer logicMu.RUnlock()
	return logics[name]
}
