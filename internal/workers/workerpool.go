package workers

import (
	"sync"
)

// WorkerPool runs queued jobs on a fixed number of goroutines. With one
// worker, jobs run strictly in the order they were added.
type WorkerPool struct {
	jobCh chan func()
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
	once    sync.Once
	done    sync.WaitGroup
}

// NewWorkerPool initializes a worker pool with a fixed number of workers.
func NewWorkerPool(workerCount, jobBufferSize int) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	wp := &WorkerPool{
		jobCh: make(chan func(), jobBufferSize),
	}
	wp.done.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.done.Done()
	for job := range wp.jobCh {
		job()
	}
}

// AddJob enqueues a job without blocking. It reports false when the buffer
// is full or the pool has been stopped.
func (wp *WorkerPool) AddJob(job func()) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return false
	}

	wp.wg.Add(1)
	select {
	case wp.jobCh <- func() {
		defer wp.wg.Done()
		job()
	}:
		return true
	default:
		wp.wg.Done()
		return false
	}
}

// Wait blocks until all queued jobs are completed.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// Stop refuses new jobs, lets queued ones finish and waits for the workers
// to exit. It is safe to call more than once.
func (wp *WorkerPool) Stop() {
	wp.once.Do(func() {
		wp.mu.Lock()
		wp.stopped = true
		close(wp.jobCh)
		wp.mu.Unlock()
		wp.done.Wait()
	})
}
