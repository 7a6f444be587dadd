package fetcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tensorfetch/tensorfetch/internal/domain"
	"github.com/tensorfetch/tensorfetch/internal/port"
	"github.com/tensorfetch/tensorfetch/internal/util/ratelimiter"
)

// Config contains fetcher configuration
type Config struct {
	Workers          int
	Verifiers        int
	ChunkSize        int
	MaxRetries       int
	RetryBackoff     time.Duration
	SmallFileBytes   int64
	RateLimitBytes   int64
	ProgressInterval time.Duration
}

// DefaultConfig returns default fetcher configuration
func DefaultConfig() *Config {
	return &Config{
		Workers:          3,
		Verifiers:        1,
		ChunkSize:        1024 * 1024,
		MaxRetries:       3,
		RetryBackoff:     time.Second,
		SmallFileBytes:   1024 * 1024,
		RateLimitBytes:   0,
		ProgressInterval: 200 * time.Millisecond,
	}
}

// Batch is a handle over one enqueue call's registry keys
type Batch struct {
	ID   string
	Keys []domain.Key
}

// Fetcher orchestrates the transfer worker pool, the verification
// engine and the progress aggregator behind a small operation set.
// Stage handoff is by message-passing channels; the registry is the
// single source of truth for persisted state.
type Fetcher struct {
	cfg      *Config
	registry port.Registry
	fs       port.FileSystem
	hub      port.HubClient
	logger   *zap.Logger
	limiter  *ratelimiter.Limiter
	progress *Aggregator

	tasks  chan domain.DownloadTask
	verify chan domain.VerificationQueueItem

	queued atomic.Int32
	active atomic.Int32

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	ctx     context.Context
	wg      sync.WaitGroup
}

// New creates a new Fetcher
func New(cfg *Config, registry port.Registry, fs port.FileSystem, hub port.HubClient, logger *zap.Logger) *Fetcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Workers == 0 {
		cfg.Workers = 3
	}
	if cfg.Verifiers == 0 {
		cfg.Verifiers = 1
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 1024 * 1024
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.ProgressInterval == 0 {
		cfg.ProgressInterval = 200 * time.Millisecond
	}

	f := &Fetcher{
		cfg:      cfg,
		registry: registry,
		fs:       fs,
		hub:      hub,
		logger:   logger,
		limiter:  ratelimiter.New(cfg.RateLimitBytes),
		tasks:    make(chan domain.DownloadTask, cfg.Workers*2),
		verify:   make(chan domain.VerificationQueueItem, cfg.Workers*2),
	}
	f.progress = NewAggregator(cfg.ProgressInterval, &f.active, &f.queued)

	return f
}

// Start launches the worker pool, verifiers and progress aggregator.
// It returns immediately; Close drains everything.
func (f *Fetcher) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return fmt.Errorf("fetcher already running")
	}
	f.running = true
	f.ctx, f.cancel = context.WithCancel(context.Background())

	for i := 0; i < f.cfg.Workers; i++ {
		f.wg.Add(1)
		go f.worker(f.ctx, fmt.Sprintf("worker-%d", i))
	}
	for i := 0; i < f.cfg.Verifiers; i++ {
		f.wg.Add(1)
		go f.verifier(f.ctx, fmt.Sprintf("verifier-%d", i))
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.progress.Run(f.ctx)
	}()

	f.logger.Info("fetcher started",
		zap.Int("workers", f.cfg.Workers),
		zap.Int("verifiers", f.cfg.Verifiers),
		zap.Int64("rate_limit_bps", f.cfg.RateLimitBytes))
	return nil
}

// Close broadcasts cancellation and waits for every worker to reach a
// safe, persisted state before returning. No file is left without a
// durable resumable offset.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = false
	f.cancel()
	f.mu.Unlock()

	f.wg.Wait()
	f.progress.CloseSubscribers()
	f.logger.Info("fetcher stopped")
	return nil
}

// Enqueue registers a batch of files for download and submits transfer
// tasks. destDir overrides the default per-model destination layout
// when non-empty. The whole batch is rejected before any entry is
// written when the destination volume cannot hold its aggregate size.
func (f *Fetcher) Enqueue(ctx context.Context, modelID string, files []domain.FileDescriptor, destDir string) (*Batch, error) {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil, domain.ErrClosed
	}
	f.mu.Unlock()

	if len(files) == 0 {
		return nil, fmt.Errorf("no files to enqueue")
	}

	if err := f.checkCapacity(files); err != nil {
		return nil, err
	}

	batch := &Batch{ID: uuid.NewString()}
	tasks := make([]domain.DownloadTask, 0, len(files))

	for _, file := range files {
		dest := f.fs.DestPath(modelID, file.Filename)
		if destDir != "" {
			dest = filepath.Join(destDir, file.Filename)
		}

		entry := &domain.RegistryEntry{
			ModelID:          modelID,
			Filename:         file.Filename,
			LocalPath:        dest,
			TotalSize:        file.Size,
			ExpectedChecksum: file.Checksum,
			Status:           domain.StatusPending,
		}
		if err := f.registry.Upsert(entry); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", file.Filename, err)
		}

		batch.Keys = append(batch.Keys, entry.Key())
		tasks = append(tasks, domain.DownloadTask{
			ModelID:     modelID,
			File:        file,
			Destination: dest,
		})
	}

	f.logger.Info("batch enqueued",
		zap.String("batch", batch.ID),
		zap.String("model", modelID),
		zap.Int("files", len(tasks)))

	f.submit(tasks)
	return batch, nil
}

// Resume re-enqueues every entry a prior run left unfinished: stale
// in_progress rows are demoted to incomplete first, files stuck in
// verifying get a fresh verification pass, and incomplete or pending
// entries restart at their last persisted offset. Returns the affected
// entries so callers can summarize them before work begins.
func (f *Fetcher) Resume(ctx context.Context) ([]*domain.RegistryEntry, error) {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil, domain.ErrClosed
	}
	f.mu.Unlock()

	demoted, err := f.registry.DemoteStaleInProgress()
	if err != nil {
		return nil, fmt.Errorf("failed to demote stale entries: %w", err)
	}
	if demoted > 0 {
		f.logger.Info("demoted stale in-progress entries", zap.Int("count", demoted))
	}

	var resumed []*domain.RegistryEntry

	verifying, err := f.registry.List(port.ListFilter{Statuses: []string{domain.StatusVerifying}})
	if err != nil {
		return nil, err
	}
	for _, entry := range verifying {
		item := domain.VerificationQueueItem{
			Key:              entry.Key(),
			PartPath:         f.fs.PartPath(entry.LocalPath),
			FinalPath:        entry.LocalPath,
			ExpectedChecksum: entry.ExpectedChecksum,
		}
		select {
		case f.verify <- item:
		case <-f.ctx.Done():
			return resumed, f.ctx.Err()
		case <-ctx.Done():
			return resumed, ctx.Err()
		}
		resumed = append(resumed, entry)
	}

	entries, err := f.registry.List(port.ListFilter{
		Statuses: []string{domain.StatusPending, domain.StatusIncomplete},
	})
	if err != nil {
		return nil, err
	}

	tasks := make([]domain.DownloadTask, 0, len(entries))
	for _, entry := range entries {
		tasks = append(tasks, domain.DownloadTask{
			ModelID: entry.ModelID,
			File: domain.FileDescriptor{
				Filename: entry.Filename,
				Size:     entry.TotalSize,
				Checksum: entry.ExpectedChecksum,
			},
			Destination:  entry.LocalPath,
			ResumeOffset: entry.BytesTransferred,
		})
		resumed = append(resumed, entry)
	}

	if len(tasks) > 0 {
		f.logger.Info("resuming incomplete downloads", zap.Int("count", len(tasks)))
		f.submit(tasks)
	}

	return resumed, nil
}

// SubscribeProgress returns a channel of progress snapshots sampled on
// the aggregator interval. Slow consumers drop snapshots rather than
// stalling the aggregator.
func (f *Fetcher) SubscribeProgress() <-chan domain.ProgressSnapshot {
	return f.progress.Subscribe()
}

// Wait blocks the caller until every key in the batch reaches a
// terminal status, then returns the final entries. Cancellation of ctx
// unblocks it early with the entries' current state.
func (f *Fetcher) Wait(ctx context.Context, batch *Batch) ([]*domain.RegistryEntry, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		entries := make([]*domain.RegistryEntry, 0, len(batch.Keys))
		allTerminal := true
		for _, key := range batch.Keys {
			entry, err := f.registry.Get(key)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", key, err)
			}
			if !entry.Terminal() {
				allTerminal = false
			}
			entries = append(entries, entry)
		}

		if allTerminal {
			return entries, nil
		}

		select {
		case <-ctx.Done():
			return entries, ctx.Err()
		case <-ticker.C:
		}
	}
}

// submit feeds tasks to the worker pool without blocking the caller.
// The waitgroup add happens under mu so it cannot race a concurrent
// Close's Wait; tasks arriving after shutdown stay pending in the
// registry for the next Resume.
func (f *Fetcher) submit(tasks []domain.DownloadTask) {
	f.queued.Add(int32(len(tasks)))

	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		f.queued.Add(-int32(len(tasks)))
		return
	}
	f.wg.Add(1)
	f.mu.Unlock()

	go func() {
		defer f.wg.Done()
		for i, task := range tasks {
			select {
			case f.tasks <- task:
			case <-f.ctx.Done():
				f.queued.Add(-int32(len(tasks) - i))
				return
			}
		}
	}()
}

// checkCapacity verifies the destination volume can hold the batch's
// aggregate size. Fail fast: nothing is enqueued on rejection.
func (f *Fetcher) checkCapacity(files []domain.FileDescriptor) error {
	var required int64
	for _, file := range files {
		required += file.Size
	}

	usage, err := f.fs.GetDiskUsage()
	if err != nil {
		return fmt.Errorf("capacity check failed: %w", err)
	}

	if required > 0 && uint64(required) > usage.Free {
		return fmt.Errorf("%w: batch needs %d bytes, %d available",
			domain.ErrInsufficientSpace, required, usage.Free)
	}
	return nil
}
