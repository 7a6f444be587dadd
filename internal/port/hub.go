package port

import (
	"context"
	"io"

	"github.com/tensorfetch/tensorfetch/internal/domain"
)

// DescriptorFilter narrows a model's file listing
type DescriptorFilter struct {
	// Contains keeps only filenames containing the substring
	Contains string

	// QuantTag keeps only files belonging to the quantization variant
	QuantTag string
}

// HubClient talks to the remote content host. It is a thin collaborator:
// retry policy and state tracking belong to the worker pool.
type HubClient interface {
	// FetchDescriptors lists a model's files
	FetchDescriptors(ctx context.Context, modelID string, filter DescriptorFilter) ([]domain.FileDescriptor, error)

	// FetchQuantGroups lists a model's quantization variants
	FetchQuantGroups(ctx context.Context, modelID string) ([]domain.QuantizationGroup, error)

	// SupportsRange reports whether the host honors byte-range
	// requests. Probed once per host and cached.
	SupportsRange(ctx context.Context) bool

	// Open starts a download stream. When offset > 0 a ranged request
	// is attempted; the returned start offset is 0 if the host ignored
	// the range, in which case the caller must restart the file.
	Open(ctx context.Context, modelID, filename string, offset int64) (body io.ReadCloser, start int64, err error)
}
