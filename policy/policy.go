// Package policy provides the built-in activation policies and the
// named policy registry.
//
// A policy is a predicate over a routine's slots deciding whether the
// routine activates and what slot data the activation consumes.
// Policies run synchronously from the dispatcher under the routine's
// policy lock; all asynchrony is expressed by enqueuing further tasks.
//
// Policies are restored from snapshots by registered name plus a
// parameter map, never by serialising code.
package policy

import (
	"sort"

	"github.com/pithecene-io/sluice/flow"
)

// Built-in policy names. These are the stable identifiers used by the
// registry, the DSL, and flow snapshots.
const (
	NameImmediate     = "immediate"
	NameBatchSize     = "batch_size"
	NameWatermark     = "watermark"
	NameAllSlotsReady = "all_slots_ready"
	NameBreakpoint    = "breakpoint"
)

// sortedSlotNames returns slot names in lexical order so policies that
// pick "any" slot behave deterministically.
func sortedSlotNames(slots map[string]*flow.Slot) []string {
	names := make([]string, 0, len(slots))
	for name := range slots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
