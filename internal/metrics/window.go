package metrics

import (
	"sync"
	"time"
)

// SlidingWindow counts event timestamps over a trailing window.
type SlidingWindow struct {
	mu      sync.Mutex
	events  []time.Time
	window  time.Duration
	maxSize int
	now     func() time.Time
}

func NewSlidingWindow(window time.Duration, maxSize int) *SlidingWindow {
	return &SlidingWindow{
		events:  make([]time.Time, 0, maxSize),
		window:  window,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Add records one event at the current time.
func (sw *SlidingWindow) Add() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.events = append(sw.events, sw.now())
	sw.trim()
	if len(sw.events) > sw.maxSize {
		sw.events = sw.events[len(sw.events)-sw.maxSize:]
	}
}

// Rate returns events per second over the window.
func (sw *SlidingWindow) Rate() float64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.trim()
	if len(sw.events) == 0 {
		return 0
	}
	return float64(len(sw.events)) / sw.window.Seconds()
}

func (sw *SlidingWindow) trim() {
	cutoff := sw.now().Add(-sw.window)
	i := 0
	for i < len(sw.events) && sw.events[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		sw.events = sw.events[i:]
	}
}
