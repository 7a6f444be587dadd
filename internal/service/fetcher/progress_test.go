package fetcher

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorfetch/tensorfetch/internal/domain"
)

func newTestAggregator() (*Aggregator, *atomic.Int32, *atomic.Int32) {
	var active, queued atomic.Int32
	return NewAggregator(100*time.Millisecond, &active, &queued), &active, &queued
}

func drain(ch <-chan domain.ProgressSnapshot) []domain.ProgressSnapshot {
	var out []domain.ProgressSnapshot
	for {
		select {
		case snap := <-ch:
			out = append(out, snap)
		default:
			return out
		}
	}
}

func TestAggregatorSamplesTrackedFile(t *testing.T) {
	agg, active, queued := newTestAggregator()
	active.Store(2)
	queued.Store(5)

	ch := agg.Subscribe()

	key := domain.Key{ModelID: "acme/tiny", Filename: "model.gguf"}
	tracker := agg.Track(key, 4000)
	tracker.SetBytes(1000)

	agg.sample()

	snaps := drain(ch)
	require.Len(t, snaps, 1)

	snap := snaps[0]
	assert.Equal(t, "acme/tiny", snap.ModelID)
	assert.Equal(t, "model.gguf", snap.Filename)
	assert.Equal(t, int64(1000), snap.Bytes)
	assert.Equal(t, int64(4000), snap.Total)
	assert.Equal(t, 2, snap.ActiveCnt)
	assert.Equal(t, 5, snap.QueuedCnt)
	assert.False(t, snap.Done)
}

func TestAggregatorSpeedDecays(t *testing.T) {
	agg, _, _ := newTestAggregator()
	ch := agg.Subscribe()

	key := domain.Key{ModelID: "acme/tiny", Filename: "model.gguf"}
	tracker := agg.Track(key, 10000)

	// First tick establishes the baseline
	agg.sample()
	drain(ch)

	// 1000 bytes over one 100ms tick: instantaneous 10000 B/s
	tracker.SetBytes(1000)
	agg.sample()
	first := drain(ch)[0]
	assert.InDelta(t, ewmaAlpha*10000, first.SpeedBps, 0.01)

	// Stalled tick: the average decays rather than snapping to zero
	agg.sample()
	second := drain(ch)[0]
	assert.InDelta(t, (1-ewmaAlpha)*first.SpeedBps, second.SpeedBps, 0.01)
	assert.Greater(t, second.SpeedBps, 0.0)
}

func TestAggregatorNoSpeedSpikeOnResume(t *testing.T) {
	agg, _, _ := newTestAggregator()
	ch := agg.Subscribe()

	// A file resumed deep into its transfer: the first observation must
	// not read the offset as bytes moved this tick
	key := domain.Key{ModelID: "acme/tiny", Filename: "model.gguf"}
	tracker := agg.Track(key, 10_000_000_000)
	tracker.SetBytes(5_000_000_000)

	agg.sample()
	first := drain(ch)[0]
	assert.Equal(t, int64(5_000_000_000), first.Bytes)
	assert.Equal(t, 0.0, first.SpeedBps)
}

func TestAggregatorMarkDoneEmitsFinalSnapshot(t *testing.T) {
	agg, _, _ := newTestAggregator()
	ch := agg.Subscribe()

	key := domain.Key{ModelID: "acme/tiny", Filename: "model.gguf"}
	tracker := agg.Track(key, 500)
	tracker.SetBytes(500)
	agg.MarkDone(key)

	agg.sample()
	snaps := drain(ch)
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].Done)
	assert.Equal(t, int64(500), snaps[0].Bytes)

	// The counter is gone after its final snapshot
	agg.sample()
	assert.Empty(t, drain(ch))
}

func TestAggregatorDropSilencesFile(t *testing.T) {
	agg, _, _ := newTestAggregator()
	ch := agg.Subscribe()

	key := domain.Key{ModelID: "acme/tiny", Filename: "model.gguf"}
	agg.Track(key, 500)
	agg.Drop(key)

	agg.sample()
	assert.Empty(t, drain(ch))
}

func TestAggregatorTrackReusesCounterOnRetry(t *testing.T) {
	agg, _, _ := newTestAggregator()

	key := domain.Key{ModelID: "acme/tiny", Filename: "model.gguf"}
	first := agg.Track(key, 500)
	first.SetBytes(200)

	second := agg.Track(key, 500)
	assert.Same(t, first, second)
	assert.Equal(t, int64(200), second.bytes.Load())
}

func TestAggregatorSlowSubscriberNeverBlocks(t *testing.T) {
	agg, _, _ := newTestAggregator()
	ch := agg.Subscribe()

	key := domain.Key{ModelID: "acme/tiny", Filename: "model.gguf"}
	tracker := agg.Track(key, 1 << 20)

	// Way past the subscriber buffer; sample must keep returning
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			tracker.SetBytes(int64(i))
			agg.sample()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sampler blocked on a slow subscriber")
	}

	assert.NotEmpty(t, drain(ch))
}

func TestAggregatorCloseSubscribers(t *testing.T) {
	agg, _, _ := newTestAggregator()
	ch := agg.Subscribe()

	agg.CloseSubscribers()

	_, open := <-ch
	assert.False(t, open)
}
