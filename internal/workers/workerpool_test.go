package workers

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSingleWorkerPreservesOrder(t *testing.T) {
	wp := NewWorkerPool(1, 16)
	defer wp.Stop()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 10; i++ {
		i := i
		assert.True(t, wp.AddJob(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	wp.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestAddJobDropsWhenFull(t *testing.T) {
	wp := NewWorkerPool(1, 1)
	defer wp.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	assert.True(t, wp.AddJob(func() { close(started); <-block }))
	<-started
	assert.True(t, wp.AddJob(func() {}))
	assert.False(t, wp.AddJob(func() {}))
	close(block)
	wp.Wait()
}

func TestStopDrainsAndRejects(t *testing.T) {
	wp := NewWorkerPool(2, 8)
	var mu sync.Mutex
	ran := 0
	for i := 0; i < 4; i++ {
		wp.AddJob(func() {
			time.Sleep(time.Millisecond)
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}
	wp.Stop()
	wp.Stop()
	assert.Equal(t, 4, ran)
	assert.False(t, wp.AddJob(func() {}))
}
