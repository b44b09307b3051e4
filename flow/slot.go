package flow

import (
	"fmt"
	"sync"
	"time"

	"github.com/pithecene-io/sluice/types"
)

// DefaultMaxQueueLength bounds a slot's unconsumed queue when the
// config leaves it zero.
const DefaultMaxQueueLength = 1000

// minCompactRetained is the floor for the compaction trigger: consumed
// points are retained until at least this many have accumulated.
const minCompactRetained = 32

// DataPoint is one queued value in a slot.
type DataPoint struct {
	Value     any       `msgpack:"value" json:"value"`
	Seq       int64     `msgpack:"seq" json:"seq"`
	Consumed  bool      `msgpack:"consumed" json:"consumed"`
	Timestamp time.Time `msgpack:"timestamp" json:"timestamp"`
}

// SlotConfig configures a slot at creation.
type SlotConfig struct {
	// Merge controls how unconsumed values are presented to logic.
	// Default is MergeAppend.
	Merge types.MergeStrategy
	// MaxQueueLength bounds the unconsumed queue (default 1000).
	MaxQueueLength int
	// Watermark is the unconsumed-count threshold at or below which
	// consumed points become eligible for compaction.
	Watermark int
}

// Slot is a named input port: a bounded ordered queue of data points
// with consume-watermark compaction.
//
// Push, consume, peek and clear are atomic under the slot's lock.
// Sequence numbers are strictly monotonic per slot and survive
// compaction.
type Slot struct {
	name      string
	routineID string
	merge     types.MergeStrategy
	maxQueue  int
	watermark int

	mu           sync.Mutex
	points       []*DataPoint
	nextSeq      int64
	lastConsumed int64
	unconsumed   int
}

// newSlot creates a slot owned by routineID. Called from Routine.AddSlot.
func newSlot(name, routineID string, cfg SlotConfig) *Slot {
	merge := cfg.Merge
	if merge == "" {
		merge = types.MergeAppend
	}
	maxQueue := cfg.MaxQueueLength
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueueLength
	}
	return &Slot{
		name:      name,
		routineID: routineID,
		merge:     merge,
		maxQueue:  maxQueue,
		watermark: cfg.Watermark,
		nextSeq:   1,
	}
}

// Name returns the slot name.
func (s *Slot) Name() string { return s.name }

// RoutineID returns the id of the owning routine.
func (s *Slot) RoutineID() string { return s.routineID }

// Merge returns the slot's merge strategy.
func (s *Slot) Merge() types.MergeStrategy { return s.merge }

// MaxQueueLength returns the unconsumed queue bound.
func (s *Slot) MaxQueueLength() int { return s.maxQueue }

// Watermark returns the compaction threshold.
func (s *Slot) Watermark() int { return s.watermark }

// Push appends a data point. Fails with a slot overflow error when the
// unconsumed count has reached the queue bound.
func (s *Slot) Push(value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unconsumed >= s.maxQueue {
		return types.NewError(types.ErrorKindSlotOverflow, s.routineID,
			fmt.Errorf("%w: slot %q at %d unconsumed points", types.ErrSlotOverflow, s.name, s.unconsumed))
	}

	s.points = append(s.points, &DataPoint{
		Value:     value,
		Seq:       s.nextSeq,
		Timestamp: time.Now(),
	})
	s.nextSeq++
	s.unconsumed++
	return nil
}

// UnconsumedCount returns the number of unconsumed points. O(1).
func (s *Slot) UnconsumedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unconsumed
}

// PeekUnconsumed returns the unconsumed values without consuming them.
// Used by watermark and custom policies.
func (s *Slot) PeekUnconsumed() []any {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []any
	for _, p := range s.points {
		if !p.Consumed {
			out = append(out, p.Value)
		}
	}
	return out
}

// ConsumeAllNew marks every unconsumed point consumed and returns their
// values in arrival order. Compaction runs afterwards if eligible.
func (s *Slot) ConsumeAllNew() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumeLocked(s.unconsumed)
}

// ConsumeN consumes the first n unconsumed points. Returns fewer values
// when the queue holds fewer unconsumed points.
func (s *Slot) ConsumeN(n int) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumeLocked(n)
}

func (s *Slot) consumeLocked(n int) []any {
	if n <= 0 {
		return nil
	}
	var out []any
	for _, p := range s.points {
		if len(out) == n {
			break
		}
		if p.Consumed {
			continue
		}
		p.Consumed = true
		out = append(out, p.Value)
		if p.Seq > s.lastConsumed {
			s.lastConsumed = p.Seq
		}
	}
	s.unconsumed -= len(out)
	s.maybeCompactLocked()
	return out
}

// Clear empties the queue. Sequence numbering continues from where it
// was; a cleared slot does not reset to seq 1.
func (s *Slot) Clear() {
	s.mu.Lock()
	s.points = nil
	s.unconsumed = 0
	s.mu.Unlock()
}

// maybeCompactLocked drops consumed points once enough have been
// retained and the unconsumed backlog is at or below the watermark.
func (s *Slot) maybeCompactLocked() {
	retained := len(s.points) - s.unconsumed
	threshold := max(minCompactRetained, s.maxQueue/4)
	if retained < threshold || s.unconsumed > s.watermark {
		return
	}
	kept := make([]*DataPoint, 0, s.unconsumed)
	for _, p := range s.points {
		if !p.Consumed {
			kept = append(kept, p)
		}
	}
	s.points = kept
}

// PointsSnapshot returns a deep copy of the queued points, consumed and
// unconsumed, for serialization.
func (s *Slot) PointsSnapshot() []DataPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DataPoint, len(s.points))
	for i, p := range s.points {
		out[i] = *p
	}
	return out
}

// RestorePoints replaces the queue with the given points. The next
// sequence number advances past the highest restored seq.
func (s *Slot) RestorePoints(points []DataPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = make([]*DataPoint, len(points))
	s.unconsumed = 0
	s.lastConsumed = 0
	for i := range points {
		p := points[i]
		s.points[i] = &p
		if !p.Consumed {
			s.unconsumed++
		} else if p.Seq > s.lastConsumed {
			s.lastConsumed = p.Seq
		}
		if p.Seq >= s.nextSeq {
			s.nextSeq = p.Seq + 1
		}
	}
}
