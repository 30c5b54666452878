package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTracker_CountWithinWindow(t *testing.T) {
	tr := NewTracker()
	base := time.Now()

	for i := 0; i < 5; i++ {
		tr.Record(base.Add(time.Duration(i) * time.Millisecond))
	}

	assert.Equal(t, 5, tr.Count(base.Add(10*time.Millisecond), time.Second))
}

func TestTracker_ExcludesOlderThanWindow(t *testing.T) {
	tr := NewTracker()
	base := time.Now()

	tr.Record(base)
	tr.Record(base.Add(2 * time.Second))

	assert.Equal(t, 1, tr.Count(base.Add(2*time.Second), time.Second))
}

func TestTracker_ExactlyAtMaxMessagesBoundary(t *testing.T) {
	tr := NewTracker()
	base := time.Now()
	window := time.Second
	maxMessages := 3

	for i := 0; i < maxMessages; i++ {
		assert.Less(t, tr.Count(base, window), maxMessages, "frame %d must be accepted", i)
		tr.Record(base)
	}

	assert.GreaterOrEqual(t, tr.Count(base, window), maxMessages, "next frame must be rejected")
}

func TestTracker_PrunesEntriesOlderThanWidestWindow(t *testing.T) {
	tr := NewTracker()
	base := time.Now()

	tr.Record(base)
	tr.Record(base.Add(widestWindow + time.Second))

	tr.mu.Lock()
	n := len(tr.timestamps)
	tr.mu.Unlock()

	assert.Equal(t, 1, n, "entries older than the widest window must be pruned")
}
