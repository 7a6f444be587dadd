package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/tensorfetch/tensorfetch/internal/domain"
)

// worker consumes transfer tasks until shutdown
func (f *Fetcher) worker(ctx context.Context, name string) {
	defer f.wg.Done()

	f.logger.Debug("transfer worker started", zap.String("worker", name))

	for {
		select {
		case <-ctx.Done():
			f.logger.Debug("transfer worker stopped", zap.String("worker", name))
			return
		case task := <-f.tasks:
			f.process(ctx, task, name)
		}
	}
}

// process runs one task through claim, transfer and handoff to the
// verification stage
func (f *Fetcher) process(ctx context.Context, task domain.DownloadTask, name string) {
	key := task.Key()

	cl, err := f.registry.TryClaim(key)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyClaimed) {
			// Benign: a duplicate enqueue raced with an active worker
			f.logger.Debug("task already claimed, discarding",
				zap.String("worker", name),
				zap.String("key", key.String()))
			f.queued.Add(-1)
			return
		}
		f.logger.Warn("failed to claim task",
			zap.String("worker", name),
			zap.String("key", key.String()),
			zap.Error(err))
		f.queued.Add(-1)
		return
	}
	defer cl.Release()

	f.queued.Add(-1)
	f.active.Add(1)
	defer f.active.Add(-1)

	f.logger.Info("claimed download task",
		zap.String("worker", name),
		zap.String("key", key.String()),
		zap.Int64("resume_from", task.ResumeOffset))

	tracker := f.progress.Track(key, task.File.Size)

	backoff := f.cfg.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			f.logger.Warn("retrying transfer",
				zap.String("worker", name),
				zap.String("key", key.String()),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))

			if !f.sleep(ctx, backoff) {
				f.markIncomplete(key)
				return
			}
			backoff *= 2
		}

		err := f.transfer(ctx, task, tracker)
		if err == nil {
			f.handoffVerification(ctx, task, key)
			return
		}

		if ctx.Err() != nil {
			// Current chunk is flushed and its offset persisted;
			// leave a resumable record behind. A request-level timeout
			// does not land here: only pool shutdown cancels ctx.
			f.markIncomplete(key)
			f.logger.Info("transfer interrupted",
				zap.String("worker", name),
				zap.String("key", key.String()))
			return
		}

		if errors.Is(err, domain.ErrAuthFailed) {
			f.progress.Drop(key)
			if ferr := f.registry.MarkFailed(key, domain.FailureAuth, err.Error()); ferr != nil {
				f.logger.Error("failed to record auth failure", zap.Error(ferr))
			}
			f.logger.Error("transfer failed: authentication",
				zap.String("worker", name),
				zap.String("key", key.String()),
				zap.Error(err))
			return
		}

		if !domain.IsTransient(err) {
			// A missing remote file or a local disk/registry fault
			// will not heal with backoff: fail fast instead of
			// burning the attempt budget.
			reason := domain.FailureIO
			if errors.Is(err, domain.ErrNotFound) {
				reason = domain.FailureNetwork
			}
			f.progress.Drop(key)
			if ferr := f.registry.MarkFailed(key, reason, err.Error()); ferr != nil {
				f.logger.Error("failed to record terminal failure", zap.Error(ferr))
			}
			f.logger.Error("transfer failed: non-retriable",
				zap.String("worker", name),
				zap.String("key", key.String()),
				zap.Error(err))
			return
		}

		lastErr = err
	}

	f.progress.Drop(key)
	if err := f.registry.MarkFailed(key, domain.FailureNetwork, lastErr.Error()); err != nil {
		f.logger.Error("failed to record network failure", zap.Error(err))
	}
	f.logger.Error("transfer failed: retries exhausted",
		zap.String("key", key.String()),
		zap.Int("attempts", f.cfg.MaxRetries+1),
		zap.Error(lastErr))
}

// transfer streams the file body into the part file in fixed-size
// chunks. Each chunk's offset is durable in the registry before the
// next chunk is read, so a crash loses at most the in-flight chunk.
func (f *Fetcher) transfer(ctx context.Context, task domain.DownloadTask, tracker *FileTracker) error {
	key := task.Key()

	entry, err := f.registry.Get(key)
	if err != nil {
		return fmt.Errorf("failed to read entry: %w", err)
	}

	partPath := f.fs.PartPath(task.Destination)

	offset := entry.BytesTransferred
	partSize, err := f.fs.PartSize(partPath)
	if err != nil {
		return err
	}
	if partSize < offset {
		// Registry is ahead of the disk, trust the disk
		offset = partSize
	}

	// Byte-exact resume needs host range support; below the small-file
	// threshold a restart is cheaper than the probe is worth.
	useRange := offset > 0 &&
		task.File.Size >= f.cfg.SmallFileBytes &&
		f.hub.SupportsRange(ctx)

	if offset > 0 && !useRange {
		offset = 0
		if err := f.registry.ResetProgress(key); err != nil {
			return err
		}
	}

	var requestOffset int64
	if useRange {
		requestOffset = offset
	}

	body, start, err := f.hub.Open(ctx, task.ModelID, task.File.Filename, requestOffset)
	if err != nil {
		return err
	}
	defer body.Close()

	if start == 0 && offset > 0 {
		// Host ignored the range request, restart from zero
		f.logger.Warn("host ignored range request, restarting file",
			zap.String("key", key.String()))
		offset = 0
		if err := f.registry.ResetProgress(key); err != nil {
			return err
		}
	}

	w, err := f.fs.OpenPart(partPath, offset)
	if err != nil {
		return err
	}
	defer w.Close()

	tracker.SetBytes(offset)

	buf := make([]byte, f.cfg.ChunkSize)
	written := offset

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			// Throttle before the write; on cancellation the chunk in
			// hand is still flushed and persisted below.
			limitErr := f.limiter.Take(ctx, n)

			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write failed: %w", werr)
			}
			written += int64(n)

			if uerr := f.registry.UpdateProgress(key, written); uerr != nil {
				return fmt.Errorf("failed to persist offset: %w", uerr)
			}
			tracker.SetBytes(written)

			if limitErr != nil {
				return limitErr
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return &domain.NetworkError{Op: "read body", Err: readErr}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	if task.File.Size > 0 && written != task.File.Size {
		return &domain.NetworkError{
			Op:  "transfer",
			Err: fmt.Errorf("short body: got %d of %d bytes", written, task.File.Size),
		}
	}

	return nil
}

// handoffVerification moves a byte-complete file into the verification
// stage and frees the worker for its next task
func (f *Fetcher) handoffVerification(ctx context.Context, task domain.DownloadTask, key domain.Key) {
	if err := f.registry.SetStatus(key, domain.StatusVerifying); err != nil {
		f.logger.Error("failed to set verifying status",
			zap.String("key", key.String()),
			zap.Error(err))
		return
	}

	item := domain.VerificationQueueItem{
		Key:              key,
		PartPath:         f.fs.PartPath(task.Destination),
		FinalPath:        task.Destination,
		ExpectedChecksum: task.File.Checksum,
	}

	select {
	case f.verify <- item:
	case <-ctx.Done():
		// The verifying status is durable; the resume scanner will
		// re-run verification on the next start.
	}
}

// markIncomplete records a resumable interruption
func (f *Fetcher) markIncomplete(key domain.Key) {
	if err := f.registry.SetStatus(key, domain.StatusIncomplete); err != nil {
		f.logger.Error("failed to mark entry incomplete",
			zap.String("key", key.String()),
			zap.Error(err))
	}
	f.progress.Drop(key)
}

// sleep waits for d or returns false on cancellation
func (f *Fetcher) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
