package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/tensorfetch/tensorfetch/internal/domain"
)

// verifier consumes verification queue items until shutdown. Verifiers
// run independently of the transfer pool so hashing a large file never
// blocks a new transfer from starting.
func (f *Fetcher) verifier(ctx context.Context, name string) {
	defer f.wg.Done()

	f.logger.Debug("verifier started", zap.String("verifier", name))

	for {
		select {
		case <-ctx.Done():
			f.logger.Debug("verifier stopped", zap.String("verifier", name))
			return
		case item := <-f.verify:
			f.verifyItem(item, name)
		}
	}
}

// verifyItem hashes the downloaded file and settles the entry into a
// terminal status
func (f *Fetcher) verifyItem(item domain.VerificationQueueItem, name string) {
	path := item.PartPath
	promoted := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// A prior run crashed between promote and the status update
		path = item.FinalPath
		promoted = true
	}

	if item.ExpectedChecksum != "" {
		sum, err := hashFile(path)
		if err != nil {
			f.logger.Error("verification read failed",
				zap.String("verifier", name),
				zap.String("key", item.Key.String()),
				zap.Error(err))
			if merr := f.registry.MarkFailed(item.Key, domain.FailureIO, err.Error()); merr != nil {
				f.logger.Error("failed to record verification failure", zap.Error(merr))
			}
			f.progress.Drop(item.Key)
			return
		}

		if sum != item.ExpectedChecksum {
			// Corrupt bytes must not survive: discard the file and
			// zero the offset so a later re-enqueue restarts cleanly.
			f.logger.Error("checksum mismatch",
				zap.String("verifier", name),
				zap.String("key", item.Key.String()),
				zap.String("expected", item.ExpectedChecksum),
				zap.String("actual", sum))

			if err := f.fs.Remove(path); err != nil {
				f.logger.Error("failed to remove corrupt file", zap.Error(err))
			}
			if err := f.registry.ResetProgress(item.Key); err != nil {
				f.logger.Error("failed to reset progress", zap.Error(err))
			}
			if err := f.registry.MarkFailed(item.Key, domain.FailureChecksum,
				fmt.Sprintf("%v: expected %s, got %s", domain.ErrChecksumMismatch, item.ExpectedChecksum, sum)); err != nil {
				f.logger.Error("failed to record checksum failure", zap.Error(err))
			}
			f.progress.Drop(item.Key)
			return
		}
	}

	if !promoted {
		if err := f.fs.Promote(item.PartPath, item.FinalPath); err != nil {
			f.logger.Error("failed to promote file",
				zap.String("key", item.Key.String()),
				zap.Error(err))
			if merr := f.registry.MarkFailed(item.Key, domain.FailureIO, err.Error()); merr != nil {
				f.logger.Error("failed to record promote failure", zap.Error(merr))
			}
			f.progress.Drop(item.Key)
			return
		}
	}

	if err := f.registry.SetStatus(item.Key, domain.StatusComplete); err != nil {
		f.logger.Error("failed to set complete status",
			zap.String("key", item.Key.String()),
			zap.Error(err))
		return
	}

	f.progress.MarkDone(item.Key)

	if item.ExpectedChecksum == "" {
		f.logger.Info("file complete (no checksum supplied)",
			zap.String("key", item.Key.String()))
	} else {
		f.logger.Info("file complete, checksum verified",
			zap.String("key", item.Key.String()))
	}
}

// hashFile computes the streaming sha256 of a file as lowercase hex
func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
