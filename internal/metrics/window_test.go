package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlidingWindowDropsOldEvents(t *testing.T) {
	now := time.Unix(1000, 0)
	sw := NewSlidingWindow(10*time.Second, 100)
	sw.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		sw.Add()
	}
	assert.InDelta(t, 0.5, sw.Rate(), 1e-9)

	now = now.Add(11 * time.Second)
	assert.Zero(t, sw.Rate())
}

func TestSlidingWindowCapsSize(t *testing.T) {
	sw := NewSlidingWindow(time.Minute, 3)
	for i := 0; i < 10; i++ {
		sw.Add()
	}
	assert.Len(t, sw.events, 3)
}

func TestKindLabel(t *testing.T) {
	assert.Equal(t, "1", kindLabel(1))
	assert.Equal(t, "other", kindLabel(42))
}
