package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Shugur-Network/relaypool/internal/constants"
	"github.com/Shugur-Network/relaypool/internal/errors"
	"github.com/Shugur-Network/relaypool/internal/logger"
	"github.com/Shugur-Network/relaypool/internal/metrics"
	"github.com/Shugur-Network/relaypool/internal/workers"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/willf/bloom"
	"go.uber.org/zap"
)

// Options tune the write-behind queue.
type Options struct {
	FlushDelay time.Duration
	BloomSize  uint
	BloomFP    float64
	// Verified marks saved rows as signature-checked.
	Verified bool
}

func (o Options) withDefaults() Options {
	if o.FlushDelay <= 0 {
		o.FlushDelay = 500 * time.Millisecond
	}
	if o.BloomSize == 0 {
		o.BloomSize = constants.BloomCapacity
	}
	if o.BloomFP <= 0 || o.BloomFP >= 1 {
		o.BloomFP = constants.BloomFalseRate
	}
	return o
}

// Store is the local event cache: a write-behind queue in front of a Backend.
// Queued and in-flight events are visible to List.
type Store struct {
	backend Backend
	opts    Options
	log     *zap.Logger
	worker  *workers.WorkerPool

	mu       sync.Mutex
	queue    map[string]*nostr.Event
	inflight map[string]*nostr.Event
	timer    *time.Timer
	bloom    *bloom.BloomFilter
	closed   bool

	// flushMu serializes flushes from the timer and from callers.
	flushMu sync.Mutex
}

// Open wraps backend and seeds the persisted-id filter from it.
func Open(ctx context.Context, backend Backend, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	s := &Store{
		backend: backend,
		opts:    opts,
		log:     logger.New("store"),
		worker:  workers.NewWorkerPool(1, 1),
		queue:   make(map[string]*nostr.Event),
		bloom:   bloom.NewWithEstimates(opts.BloomSize, opts.BloomFP),
	}

	count := 0
	err := backend.ForEachID(ctx, func(id string) {
		s.bloom.AddString(id)
		count++
	})
	if err != nil {
		metrics.DBErrors.WithLabelValues("bloom_filter_rebuild_failed").Inc()
		s.log.Warn("Failed to rebuild bloom filter, duplicate counts will be low", zap.Error(err))
		s.bloom.ClearAll()
	} else {
		s.log.Debug("Bloom filter rebuilt", zap.Int("events", count))
	}
	return s, nil
}

// SaveEvent queues evt and arms the flush timer if it is idle. Events already
// queued or in flight are ignored. A bloom hit is only counted: the filter
// has false positives and the backend insert is idempotent.
func (s *Store) SaveEvent(evt *nostr.Event) {
	if evt == nil || evt.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.queue[evt.ID]; ok {
		return
	}
	if _, ok := s.inflight[evt.ID]; ok {
		return
	}
	if s.bloom.TestString(evt.ID) {
		metrics.DuplicateEvents.Inc()
	}
	s.queue[evt.ID] = evt
	metrics.StoreQueueDepth.Set(float64(len(s.queue)))
	s.armLocked()
}

// SaveEventSync writes evt now and drops any queued copy.
func (s *Store) SaveEventSync(ctx context.Context, evt *nostr.Event) error {
	failed, err := s.backend.SaveBatch(ctx, []*nostr.Event{evt}, s.opts.Verified)
	if err == nil && len(failed) > 0 {
		err = errPersist(evt.ID)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.queue, evt.ID)
	s.bloom.AddString(evt.ID)
	metrics.StoreQueueDepth.Set(float64(len(s.queue)))
	s.mu.Unlock()
	return nil
}

// List merges stored rows with queued and in-flight events, deduplicated by
// id and ordered newest first.
func (s *Store) List(ctx context.Context, filters []nostr.Filter) ([]*nostr.Event, error) {
	// snapshot before querying so an event moving from the queue into the
	// backend is seen on at least one side
	s.mu.Lock()
	pending := make([]*nostr.Event, 0, len(s.queue)+len(s.inflight))
	for _, evt := range s.queue {
		pending = append(pending, evt)
	}
	for _, evt := range s.inflight {
		pending = append(pending, evt)
	}
	s.mu.Unlock()

	stored, err := s.backend.Query(ctx, filters)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(stored))
	out := mergeUnique(nil, seen, stored)
	out = mergeUnique(out, seen, selectMatching(pending, filters))
	sortNewestFirst(out)
	return out, nil
}

// Latest considers stored rows only.
func (s *Store) Latest(ctx context.Context, filters []nostr.Filter) (nostr.Timestamp, error) {
	return s.backend.Latest(ctx, filters)
}

// Flush writes the queue now.
func (s *Store) Flush(ctx context.Context) error {
	return s.flush(ctx)
}

// Pending reports how many events are queued or in flight.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) + len(s.inflight)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close stops the timer, writes what is left and closes the backend.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.worker.Stop()
	err := s.flush(ctx)
	if cerr := s.backend.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Store) armLocked() {
	if s.timer != nil || s.closed || len(s.queue) == 0 {
		return
	}
	s.timer = time.AfterFunc(s.opts.FlushDelay, s.onTimer)
}

func (s *Store) onTimer() {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()

	ok := s.worker.AddJob(func() {
		if err := s.flush(context.Background()); err != nil {
			s.log.Warn("Background flush failed", zap.Error(err))
		}
	})
	if !ok {
		// the queued job will pick these events up
		s.log.Debug("Flush already pending")
	}
}

func (s *Store) flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.queue
	s.inflight = batch
	s.queue = make(map[string]*nostr.Event)
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	metrics.StoreQueueDepth.Set(0)
	s.mu.Unlock()

	events := make([]*nostr.Event, 0, len(batch))
	for _, evt := range batch {
		events = append(events, evt)
	}

	start := time.Now()
	failed, err := s.backend.SaveBatch(ctx, events, s.opts.Verified)
	metrics.StoreFlushDuration.Observe(time.Since(start).Seconds())

	failedSet := make(map[string]struct{}, len(failed))
	for _, id := range failed {
		failedSet[id] = struct{}{}
	}

	s.mu.Lock()
	for id, evt := range batch {
		if _, bad := failedSet[id]; bad {
			if _, requeued := s.queue[id]; !requeued {
				s.queue[id] = evt
			}
			continue
		}
		s.bloom.AddString(id)
	}
	s.inflight = nil
	metrics.StoreQueueDepth.Set(float64(len(s.queue)))
	s.armLocked()
	s.mu.Unlock()

	switch {
	case err != nil:
		metrics.StoreFlushes.WithLabelValues("failure").Inc()
		s.log.Warn("Flush failed, events re-queued", zap.Int("events", len(events)), zap.Error(err))
		return err
	case len(failed) > 0:
		metrics.StoreFlushes.WithLabelValues("partial").Inc()
		s.log.Warn("Flush partially failed, failed events re-queued",
			zap.Int("events", len(events)),
			zap.Int("failed", len(failed)))
		return errPersist(failed...)
	default:
		metrics.StoreFlushes.WithLabelValues("success").Inc()
		s.log.Debug("Flushed events", zap.Int("events", len(events)))
		return nil
	}
}

func errPersist(ids ...string) error {
	return errors.PersistenceError("save", nil).WithDetails(fmt.Sprintf("%d event(s) not written: %s", len(ids), strings.Join(ids, ", ")))
}
