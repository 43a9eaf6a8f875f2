package watermark

import (
	"fmt"
	"sync"
)

// MonotonicInterval folds the watermarks of processed records into a low/high pair.
// Marks may arrive in any order; the checkpointed low never decreases.
type MonotonicInterval struct {
	mu         sync.RWMutex
	low        Watermark
	high       Watermark
	pendingMin Watermark
	pending    int
}

// NewMonotonicInterval creates an interval with low and high at Lowest
func NewMonotonicInterval() *MonotonicInterval {
	return &MonotonicInterval{}
}

// Mark records a processed watermark. Marks below the checkpointed low are discarded.
func (m *MonotonicInterval) Mark(w Watermark) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.low.IsLowest() && w.Before(m.low) {
		return
	}
	if m.pending == 0 || w.Before(m.pendingMin) {
		m.pendingMin = w
	}
	m.pending++
	if m.high.Before(w) {
		m.high = w
	}
}

// MarkValue marks a raw watermark value
func (m *MonotonicInterval) MarkValue(value int64) error {
	w, err := OfValue(value)
	if err != nil {
		return err
	}
	m.Mark(w)
	return nil
}

// Checkpoint promotes the marks observed since the last checkpoint to a completed low.
// It returns the value of the new low, unchanged when nothing was marked.
func (m *MonotonicInterval) Checkpoint() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending > 0 {
		if next := CompletedOf(m.high); m.low.Before(next) {
			m.low = next
		}
		m.pending = 0
		m.pendingMin = Lowest
	}
	return m.low.Value()
}

// Low returns the smallest pending mark, or the checkpointed low when nothing is pending
func (m *MonotonicInterval) Low() Watermark {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.pending > 0 && (m.low.IsLowest() || m.pendingMin.Before(m.low)) {
		return m.pendingMin
	}
	return m.low
}

// CheckpointedLow returns the low as of the last checkpoint
func (m *MonotonicInterval) CheckpointedLow() Watermark {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.low
}

// High returns the largest watermark ever marked
func (m *MonotonicInterval) High() Watermark {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.high
}

// Pending returns the number of marks since the last checkpoint
func (m *MonotonicInterval) Pending() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pending
}

// IsDone reports whether the low certifies completion of timestamp
func (m *MonotonicInterval) IsDone(timestamp int64) bool {
	return m.Low().IsDone(timestamp)
}

func (m *MonotonicInterval) String() string {
	return fmt.Sprintf("MonotonicInterval{low=%s, high=%s, pending=%d}", m.Low(), m.High(), m.Pending())
}
