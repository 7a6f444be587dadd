package fetcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tensorfetch/tensorfetch/internal/domain"
)

// ewmaAlpha weights the newest interval in the decayed moving average.
// Higher values make transient stalls visible faster.
const ewmaAlpha = 0.3

// FileTracker holds the in-memory byte counter for one active file.
// Workers store into it atomically; only the aggregator reads it.
type FileTracker struct {
	modelID  string
	filename string
	total    int64

	bytes atomic.Int64

	// aggregator-owned sampling state
	primed    bool
	lastBytes int64
	speed     float64
	done      bool
}

// SetBytes records the persisted transfer offset
func (t *FileTracker) SetBytes(n int64) {
	t.bytes.Store(n)
}

// Aggregator samples worker counters on a fixed interval, computes a
// decayed moving average speed per file and fans snapshots out to
// subscribers. Pure computation: it never prints or formats.
type Aggregator struct {
	interval time.Duration
	active   *atomic.Int32
	queued   *atomic.Int32

	mu    sync.Mutex
	files map[domain.Key]*FileTracker
	subs  []chan domain.ProgressSnapshot
}

// NewAggregator creates a progress aggregator sampling at interval
func NewAggregator(interval time.Duration, active, queued *atomic.Int32) *Aggregator {
	return &Aggregator{
		interval: interval,
		active:   active,
		queued:   queued,
		files:    make(map[domain.Key]*FileTracker),
	}
}

// Track registers a file for sampling and returns its counter.
// Re-tracking a key (a retried task) reuses the existing counter.
func (a *Aggregator) Track(key domain.Key, total int64) *FileTracker {
	a.mu.Lock()
	defer a.mu.Unlock()

	if t, ok := a.files[key]; ok {
		t.done = false
		return t
	}

	t := &FileTracker{
		modelID:  key.ModelID,
		filename: key.Filename,
		total:    total,
	}
	a.files[key] = t
	return t
}

// MarkDone flags a file so the next tick emits a final snapshot and
// drops the counter
func (a *Aggregator) MarkDone(key domain.Key) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.files[key]; ok {
		t.done = true
	}
}

// Drop removes a file from sampling without a final snapshot
func (a *Aggregator) Drop(key domain.Key) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.files, key)
}

// Subscribe returns a snapshot channel. Sends never block: a slow
// consumer misses ticks instead of stalling the sampler.
func (a *Aggregator) Subscribe() <-chan domain.ProgressSnapshot {
	ch := make(chan domain.ProgressSnapshot, 64)
	a.mu.Lock()
	a.subs = append(a.subs, ch)
	a.mu.Unlock()
	return ch
}

// Run samples until ctx is cancelled
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sample()
		}
	}
}

// sample computes one tick's snapshots and publishes them
func (a *Aggregator) sample() {
	a.mu.Lock()
	defer a.mu.Unlock()

	activeCnt := int(a.active.Load())
	queuedCnt := int(a.queued.Load())
	secs := a.interval.Seconds()

	for key, t := range a.files {
		cur := t.bytes.Load()
		if !t.primed {
			// First observation establishes the baseline: a file
			// resumed at a large offset must not read as a burst.
			t.primed = true
			t.lastBytes = cur
		}
		inst := float64(cur-t.lastBytes) / secs
		t.speed = ewmaAlpha*inst + (1-ewmaAlpha)*t.speed
		t.lastBytes = cur

		snap := domain.ProgressSnapshot{
			ModelID:   t.modelID,
			Filename:  t.filename,
			Bytes:     cur,
			Total:     t.total,
			SpeedBps:  t.speed,
			Done:      t.done,
			ActiveCnt: activeCnt,
			QueuedCnt: queuedCnt,
		}
		a.publish(snap)

		if t.done {
			delete(a.files, key)
		}
	}
}

// publish sends a snapshot to all subscribers without blocking.
// Caller must hold mu.
func (a *Aggregator) publish(snap domain.ProgressSnapshot) {
	for _, ch := range a.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// CloseSubscribers closes all subscriber channels. Called once after
// the sampler has stopped.
func (a *Aggregator) CloseSubscribers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range a.subs {
		close(ch)
	}
	a.subs = nil
}
