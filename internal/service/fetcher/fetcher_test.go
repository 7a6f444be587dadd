package fetcher

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tensorfetch/tensorfetch/internal/adapter/filesystem"
	"github.com/tensorfetch/tensorfetch/internal/adapter/sqlite"
	"github.com/tensorfetch/tensorfetch/internal/domain"
	"github.com/tensorfetch/tensorfetch/internal/port"
)

// openRecord captures one hub open call
type openRecord struct {
	Filename string
	Offset   int64
}

// fakeHub serves in-memory file bodies with controllable range support,
// read pacing and a byte gate that blocks a stream mid-transfer
type fakeHub struct {
	mu     sync.Mutex
	files  map[string][]byte
	ranges bool

	perRead   int
	readDelay time.Duration

	// gate blocks a filename's stream once it reaches the byte position
	gate   map[string]int64
	gateCh chan struct{}

	// failErr makes every stream error out once it reaches failAt
	failAt  int64
	failErr error

	opens       []openRecord
	inflight    atomic.Int32
	maxInflight atomic.Int32

	openErr error
}

func newFakeHub(ranges bool) *fakeHub {
	return &fakeHub{
		files:   make(map[string][]byte),
		ranges:  ranges,
		perRead: 1 << 20,
		gate:    make(map[string]int64),
		gateCh:  make(chan struct{}),
	}
}

func (h *fakeHub) FetchDescriptors(ctx context.Context, modelID string, filter port.DescriptorFilter) ([]domain.FileDescriptor, error) {
	return nil, nil
}

func (h *fakeHub) FetchQuantGroups(ctx context.Context, modelID string) ([]domain.QuantizationGroup, error) {
	return nil, nil
}

func (h *fakeHub) SupportsRange(ctx context.Context) bool { return h.ranges }

func (h *fakeHub) Open(ctx context.Context, modelID, filename string, offset int64) (io.ReadCloser, int64, error) {
	h.mu.Lock()
	h.opens = append(h.opens, openRecord{Filename: filename, Offset: offset})
	data, ok := h.files[filename]
	gateAt, gated := h.gate[filename]
	err := h.openErr
	h.mu.Unlock()

	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, domain.ErrNotFound
	}

	start := int64(0)
	if h.ranges && offset > 0 {
		start = offset
	}

	cur := h.inflight.Add(1)
	for {
		max := h.maxInflight.Load()
		if cur <= max || h.maxInflight.CompareAndSwap(max, cur) {
			break
		}
	}

	body := &fakeBody{
		hub:       h,
		ctx:       ctx,
		data:      data,
		pos:       start,
		gateAt:    gateAt,
		gated:     gated,
		failAt:    h.failAt,
		failErr:   h.failErr,
		perRead:   h.perRead,
		readDelay: h.readDelay,
	}
	return body, start, nil
}

// releaseGate unblocks all gated streams
func (h *fakeHub) releaseGate() {
	close(h.gateCh)
}

func (h *fakeHub) openCount(filename string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, rec := range h.opens {
		if rec.Filename == filename {
			n++
		}
	}
	return n
}

type fakeBody struct {
	hub       *fakeHub
	ctx       context.Context
	data      []byte
	pos       int64
	gateAt    int64
	gated     bool
	failAt    int64
	failErr   error
	perRead   int
	readDelay time.Duration
	closed    bool
}

func (b *fakeBody) Read(p []byte) (int, error) {
	if b.readDelay > 0 {
		select {
		case <-b.ctx.Done():
			return 0, b.ctx.Err()
		case <-time.After(b.readDelay):
		}
	}

	if b.gated && b.pos >= b.gateAt {
		select {
		case <-b.ctx.Done():
			return 0, b.ctx.Err()
		case <-b.hub.gateCh:
			b.gated = false
		}
	}

	if b.failErr != nil && b.pos >= b.failAt {
		return 0, b.failErr
	}

	if b.pos >= int64(len(b.data)) {
		return 0, io.EOF
	}

	n := len(p)
	if n > b.perRead {
		n = b.perRead
	}
	if rem := int64(len(b.data)) - b.pos; int64(n) > rem {
		n = int(rem)
	}
	if b.gated {
		if untilGate := b.gateAt - b.pos; int64(n) > untilGate {
			n = int(untilGate)
		}
	}
	if b.failErr != nil {
		if untilFail := b.failAt - b.pos; int64(n) > untilFail {
			n = int(untilFail)
		}
	}

	copy(p, b.data[b.pos:b.pos+int64(n)])
	b.pos += int64(n)
	return n, nil
}

func (b *fakeBody) Close() error {
	if !b.closed {
		b.closed = true
		b.hub.inflight.Add(-1)
	}
	return nil
}

// testEnv bundles a fetcher over a real sqlite store and filesystem
type testEnv struct {
	fetcher *Fetcher
	store   *sqlite.Store
	fs      *filesystem.Manager
	hub     *fakeHub
	dir     string
}

func newTestEnv(t *testing.T, hub *fakeHub, mutate func(*Config)) *testEnv {
	t.Helper()

	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fs, err := filesystem.NewManager(filepath.Join(dir, "models"))
	require.NoError(t, err)

	cfg := &Config{
		Workers:          3,
		Verifiers:        1,
		ChunkSize:        100,
		MaxRetries:       1,
		RetryBackoff:     10 * time.Millisecond,
		SmallFileBytes:   1,
		ProgressInterval: 20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(cfg)
	}

	f := New(cfg, store, fs, hub, zap.NewNop())
	require.NoError(t, f.Start())
	t.Cleanup(func() { f.Close() })

	return &testEnv{fetcher: f, store: store, fs: fs, hub: hub, dir: dir}
}

// reopen builds a second fetcher over the same store and filesystem,
// simulating a process restart
func (env *testEnv) reopen(t *testing.T, hub *fakeHub, mutate func(*Config)) *testEnv {
	t.Helper()

	cfg := &Config{
		Workers:          3,
		Verifiers:        1,
		ChunkSize:        100,
		MaxRetries:       1,
		RetryBackoff:     10 * time.Millisecond,
		SmallFileBytes:   1,
		ProgressInterval: 20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(cfg)
	}

	f := New(cfg, env.store, env.fs, hub, zap.NewNop())
	require.NoError(t, f.Start())
	t.Cleanup(func() { f.Close() })

	return &testEnv{fetcher: f, store: env.store, fs: env.fs, hub: hub, dir: env.dir}
}

func randomContent(t *testing.T, n int) ([]byte, string) {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:])
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDownloadComplete(t *testing.T) {
	hub := newFakeHub(true)
	content, checksum := randomContent(t, 1000)
	hub.files["model.gguf"] = content

	env := newTestEnv(t, hub, nil)

	batch, err := env.fetcher.Enqueue(context.Background(), "acme/tiny", []domain.FileDescriptor{
		{Filename: "model.gguf", Size: 1000, Checksum: checksum},
	}, "")
	require.NoError(t, err)
	require.Len(t, batch.Keys, 1)

	entries, err := env.fetcher.Wait(waitCtx(t), batch)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, domain.StatusComplete, entry.Status)
	assert.Equal(t, int64(1000), entry.BytesTransferred)

	written, err := os.ReadFile(entry.LocalPath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, written))

	_, err = os.Stat(entry.LocalPath + ".part")
	assert.True(t, os.IsNotExist(err), "part file must be promoted away")
}

func TestDownloadNoChecksumCompletesUnverified(t *testing.T) {
	hub := newFakeHub(true)
	content, _ := randomContent(t, 300)
	hub.files["tokenizer.json"] = content

	env := newTestEnv(t, hub, nil)

	batch, err := env.fetcher.Enqueue(context.Background(), "acme/tiny", []domain.FileDescriptor{
		{Filename: "tokenizer.json", Size: 300},
	}, "")
	require.NoError(t, err)

	entries, err := env.fetcher.Wait(waitCtx(t), batch)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, entries[0].Status)
}

func TestChecksumMismatchDiscardsFile(t *testing.T) {
	hub := newFakeHub(true)
	content, _ := randomContent(t, 500)
	hub.files["model.gguf"] = content

	env := newTestEnv(t, hub, nil)

	batch, err := env.fetcher.Enqueue(context.Background(), "acme/tiny", []domain.FileDescriptor{
		{Filename: "model.gguf", Size: 500, Checksum: "00000000000000000000000000000000"},
	}, "")
	require.NoError(t, err)

	entries, err := env.fetcher.Wait(waitCtx(t), batch)
	require.NoError(t, err)

	entry := entries[0]
	assert.Equal(t, domain.StatusFailed, entry.Status)
	assert.Equal(t, domain.FailureChecksum, entry.FailureReason)
	assert.Equal(t, int64(0), entry.BytesTransferred, "offset reset so a re-enqueue restarts cleanly")

	_, err = os.Stat(entry.LocalPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(entry.LocalPath + ".part")
	assert.True(t, os.IsNotExist(err))
}

func TestInterruptThenResume(t *testing.T) {
	content, checksum := randomContent(t, 1000)

	hub := newFakeHub(true)
	hub.files["model.gguf"] = content
	hub.gate["model.gguf"] = 400

	env := newTestEnv(t, hub, nil)

	_, err := env.fetcher.Enqueue(context.Background(), "acme/tiny", []domain.FileDescriptor{
		{Filename: "model.gguf", Size: 1000, Checksum: checksum},
	}, "")
	require.NoError(t, err)

	key := domain.Key{ModelID: "acme/tiny", Filename: "model.gguf"}

	// Wait until the worker has flushed and persisted 400 bytes and is
	// blocked on the gate
	require.Eventually(t, func() bool {
		entry, err := env.store.Get(key)
		return err == nil && entry.BytesTransferred == 400
	}, 10*time.Second, 10*time.Millisecond)

	// Shutdown mid-transfer: the worker persists its offset and exits
	require.NoError(t, env.fetcher.Close())

	entry, err := env.store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIncomplete, entry.Status)
	assert.Equal(t, int64(400), entry.BytesTransferred)

	// New process: resume picks the file up at its persisted offset
	hub2 := newFakeHub(true)
	hub2.files["model.gguf"] = content
	env2 := env.reopen(t, hub2, nil)

	resumed, err := env2.fetcher.Resume(context.Background())
	require.NoError(t, err)
	require.Len(t, resumed, 1)
	assert.Equal(t, int64(400), resumed[0].BytesTransferred)

	batch := &Batch{ID: "resume", Keys: []domain.Key{key}}
	entries, err := env2.fetcher.Wait(waitCtx(t), batch)
	require.NoError(t, err)

	final := entries[0]
	assert.Equal(t, domain.StatusComplete, final.Status)
	assert.Equal(t, int64(1000), final.BytesTransferred)

	// Byte-exact resume: the second transfer started at 400, never zero
	hub2.mu.Lock()
	require.NotEmpty(t, hub2.opens)
	assert.Equal(t, int64(400), hub2.opens[0].Offset)
	hub2.mu.Unlock()

	written, err := os.ReadFile(final.LocalPath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, written))
}

func TestResumeWithoutRangeSupportRestarts(t *testing.T) {
	content, checksum := randomContent(t, 600)

	hub := newFakeHub(false)
	hub.files["model.gguf"] = content

	env := newTestEnv(t, hub, nil)

	// Simulate a prior run that left 200 bytes behind
	key := domain.Key{ModelID: "acme/tiny", Filename: "model.gguf"}
	dest := env.fs.DestPath("acme/tiny", "model.gguf")
	require.NoError(t, env.store.Upsert(&domain.RegistryEntry{
		ModelID: "acme/tiny", Filename: "model.gguf", LocalPath: dest,
		TotalSize: 600, ExpectedChecksum: checksum, Status: domain.StatusIncomplete,
	}))
	require.NoError(t, env.store.UpdateProgress(key, 200))
	part, err := env.fs.OpenPart(env.fs.PartPath(dest), 0)
	require.NoError(t, err)
	_, err = part.Write(content[:200])
	require.NoError(t, err)
	require.NoError(t, part.Close())

	resumed, err := env.fetcher.Resume(context.Background())
	require.NoError(t, err)
	require.Len(t, resumed, 1)

	batch := &Batch{ID: "resume", Keys: []domain.Key{key}}
	entries, err := env.fetcher.Wait(waitCtx(t), batch)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, entries[0].Status)

	// Host has no range support, so the transfer restarted from zero
	hub.mu.Lock()
	require.NotEmpty(t, hub.opens)
	assert.Equal(t, int64(0), hub.opens[0].Offset)
	hub.mu.Unlock()

	written, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, written))
}

func TestDuplicateEnqueueSingleClaim(t *testing.T) {
	content, checksum := randomContent(t, 300)

	hub := newFakeHub(true)
	hub.files["model.gguf"] = content
	hub.gate["model.gguf"] = 100

	env := newTestEnv(t, hub, nil)

	files := []domain.FileDescriptor{{Filename: "model.gguf", Size: 300, Checksum: checksum}}

	batch1, err := env.fetcher.Enqueue(context.Background(), "acme/tiny", files, "")
	require.NoError(t, err)
	batch2, err := env.fetcher.Enqueue(context.Background(), "acme/tiny", files, "")
	require.NoError(t, err)

	// Let the first worker reach the gate, then release everything
	key := domain.Key{ModelID: "acme/tiny", Filename: "model.gguf"}
	require.Eventually(t, func() bool {
		entry, err := env.store.Get(key)
		return err == nil && entry.BytesTransferred == 100
	}, 10*time.Second, 10*time.Millisecond)
	hub.releaseGate()

	entries, err := env.fetcher.Wait(waitCtx(t), batch1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, entries[0].Status)

	entries2, err := env.fetcher.Wait(waitCtx(t), batch2)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, entries2[0].Status)

	// The duplicate task was discarded without a second transfer
	assert.Equal(t, 1, hub.openCount("model.gguf"))
}

func TestPoolParallelismBound(t *testing.T) {
	hub := newFakeHub(true)
	hub.perRead = 100
	hub.readDelay = 2 * time.Millisecond

	files := make([]domain.FileDescriptor, 0, 10)
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("shard-%02d.gguf", i)
		content, checksum := randomContent(t, 500)
		hub.files[name] = content
		files = append(files, domain.FileDescriptor{Filename: name, Size: 500, Checksum: checksum})
	}

	env := newTestEnv(t, hub, func(cfg *Config) {
		cfg.Workers = 3
		cfg.Verifiers = 2
	})

	batch, err := env.fetcher.Enqueue(context.Background(), "acme/sharded", files, "")
	require.NoError(t, err)

	entries, err := env.fetcher.Wait(waitCtx(t), batch)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.Equal(t, domain.StatusComplete, entry.Status, entry.Filename)
	}

	assert.LessOrEqual(t, hub.maxInflight.Load(), int32(3),
		"no more than pool-size transfers in flight")
}

func TestAuthFailureTerminal(t *testing.T) {
	hub := newFakeHub(true)
	hub.files["model.gguf"] = []byte("irrelevant")
	hub.openErr = fmt.Errorf("%w: status 401", domain.ErrAuthFailed)

	env := newTestEnv(t, hub, nil)

	batch, err := env.fetcher.Enqueue(context.Background(), "acme/private", []domain.FileDescriptor{
		{Filename: "model.gguf", Size: 10},
	}, "")
	require.NoError(t, err)

	entries, err := env.fetcher.Wait(waitCtx(t), batch)
	require.NoError(t, err)

	entry := entries[0]
	assert.Equal(t, domain.StatusFailed, entry.Status)
	assert.Equal(t, domain.FailureAuth, entry.FailureReason)

	// Auth errors are terminal, not retried
	assert.Equal(t, 1, hub.openCount("model.gguf"))
}

func TestMissingRemoteFileFailsFast(t *testing.T) {
	hub := newFakeHub(true)
	hub.openErr = fmt.Errorf("%w: gone from host", domain.ErrNotFound)

	env := newTestEnv(t, hub, func(cfg *Config) {
		cfg.MaxRetries = 3
	})

	batch, err := env.fetcher.Enqueue(context.Background(), "acme/tiny", []domain.FileDescriptor{
		{Filename: "model.gguf", Size: 10},
	}, "")
	require.NoError(t, err)

	entries, err := env.fetcher.Wait(waitCtx(t), batch)
	require.NoError(t, err)

	entry := entries[0]
	assert.Equal(t, domain.StatusFailed, entry.Status)
	assert.Equal(t, domain.FailureNetwork, entry.FailureReason)

	// Non-retriable: the attempt budget is not burned on a missing file
	assert.Equal(t, 1, hub.openCount("model.gguf"))
}

func TestMidStreamReadFailureRetriesThenFails(t *testing.T) {
	content, checksum := randomContent(t, 500)

	hub := newFakeHub(true)
	hub.files["model.gguf"] = content
	hub.failAt = 200
	hub.failErr = fmt.Errorf("connection reset by peer")

	env := newTestEnv(t, hub, func(cfg *Config) {
		cfg.MaxRetries = 1
	})

	batch, err := env.fetcher.Enqueue(context.Background(), "acme/tiny", []domain.FileDescriptor{
		{Filename: "model.gguf", Size: 500, Checksum: checksum},
	}, "")
	require.NoError(t, err)

	entries, err := env.fetcher.Wait(waitCtx(t), batch)
	require.NoError(t, err)

	entry := entries[0]
	assert.Equal(t, domain.StatusFailed, entry.Status)
	assert.Equal(t, domain.FailureNetwork, entry.FailureReason)
	assert.Equal(t, int64(200), entry.BytesTransferred,
		"bytes received before the stall stay persisted")

	// The retry resumed at the persisted offset, not from zero
	hub.mu.Lock()
	require.Len(t, hub.opens, 2)
	assert.Equal(t, int64(0), hub.opens[0].Offset)
	assert.Equal(t, int64(200), hub.opens[1].Offset)
	hub.mu.Unlock()
}

// promoteFailFS wraps the real manager but refuses promotion
type promoteFailFS struct {
	*filesystem.Manager
}

func (p *promoteFailFS) Promote(partPath, destPath string) error {
	return fmt.Errorf("read-only file system")
}

func TestPromoteFailureMarksIOError(t *testing.T) {
	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	defer store.Close()

	mgr, err := filesystem.NewManager(filepath.Join(dir, "models"))
	require.NoError(t, err)

	hub := newFakeHub(true)
	content, checksum := randomContent(t, 300)
	hub.files["model.gguf"] = content

	f := New(&Config{
		Workers: 1, Verifiers: 1, ChunkSize: 100,
		SmallFileBytes: 1, ProgressInterval: 20 * time.Millisecond,
	}, store, &promoteFailFS{Manager: mgr}, hub, zap.NewNop())
	require.NoError(t, f.Start())
	defer f.Close()

	batch, err := f.Enqueue(context.Background(), "acme/tiny", []domain.FileDescriptor{
		{Filename: "model.gguf", Size: 300, Checksum: checksum},
	}, "")
	require.NoError(t, err)

	entries, err := f.Wait(waitCtx(t), batch)
	require.NoError(t, err)

	entry := entries[0]
	assert.Equal(t, domain.StatusFailed, entry.Status)
	assert.Equal(t, domain.FailureIO, entry.FailureReason,
		"a local rename fault is not a network failure")
}

func TestEnqueueCloseRace(t *testing.T) {
	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	defer store.Close()

	mgr, err := filesystem.NewManager(filepath.Join(dir, "models"))
	require.NoError(t, err)

	hub := newFakeHub(true)
	content, checksum := randomContent(t, 300)
	hub.files["model.gguf"] = content

	files := []domain.FileDescriptor{{Filename: "model.gguf", Size: 300, Checksum: checksum}}

	// Hammer the Enqueue/Close window: Close must never race a task
	// submission into a panic or a hang
	for i := 0; i < 20; i++ {
		f := New(&Config{
			Workers: 2, Verifiers: 1, ChunkSize: 100,
			SmallFileBytes: 1, ProgressInterval: 20 * time.Millisecond,
		}, store, mgr, hub, zap.NewNop())
		require.NoError(t, f.Start())

		done := make(chan struct{})
		go func() {
			defer close(done)
			// ErrClosed is fine when Close wins the race
			f.Enqueue(context.Background(), "acme/tiny", files, "")
		}()

		require.NoError(t, f.Close())

		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("enqueue never returned after close")
		}
	}
}

func TestTransientFailureRetriesThenFails(t *testing.T) {
	hub := newFakeHub(true)
	hub.openErr = &domain.NetworkError{Op: "GET", Err: fmt.Errorf("connection reset")}

	env := newTestEnv(t, hub, func(cfg *Config) {
		cfg.MaxRetries = 2
	})

	batch, err := env.fetcher.Enqueue(context.Background(), "acme/tiny", []domain.FileDescriptor{
		{Filename: "model.gguf", Size: 10},
	}, "")
	require.NoError(t, err)

	entries, err := env.fetcher.Wait(waitCtx(t), batch)
	require.NoError(t, err)

	entry := entries[0]
	assert.Equal(t, domain.StatusFailed, entry.Status)
	assert.Equal(t, domain.FailureNetwork, entry.FailureReason)
	assert.Equal(t, 3, hub.openCount("model.gguf"), "initial attempt plus two retries")
}

// stubFS wraps the real manager but reports a tiny free volume
type stubFS struct {
	*filesystem.Manager
	free uint64
}

func (s *stubFS) GetDiskUsage() (*port.DiskUsage, error) {
	return &port.DiskUsage{Total: s.free, Used: 0, Free: s.free, UsedPct: 0}, nil
}

func TestInsufficientSpaceRejectsWholeBatch(t *testing.T) {
	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	defer store.Close()

	mgr, err := filesystem.NewManager(filepath.Join(dir, "models"))
	require.NoError(t, err)

	hub := newFakeHub(true)
	f := New(DefaultConfig(), store, &stubFS{Manager: mgr, free: 100}, hub, zap.NewNop())
	require.NoError(t, f.Start())
	defer f.Close()

	_, err = f.Enqueue(context.Background(), "acme/big", []domain.FileDescriptor{
		{Filename: "a.gguf", Size: 80},
		{Filename: "b.gguf", Size: 80},
	}, "")
	assert.ErrorIs(t, err, domain.ErrInsufficientSpace)

	// Fail fast: the registry is untouched
	entries, err := store.List(port.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}
