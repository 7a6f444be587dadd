package port

import (
	"github.com/tensorfetch/tensorfetch/internal/domain"
)

// Claim is exclusive ownership of a registry key by one worker.
// Release must be called exactly once, after the worker has persisted
// a resumable state for the entry.
type Claim interface {
	Key() domain.Key
	Release()
}

// ListFilter selects registry entries by status. Zero value matches all.
type ListFilter struct {
	Statuses []string
	ModelID  string
}

// Registry is the durable store of download state. It is the single
// source of truth: no component mutates an entry except through it.
// All mutating operations are atomic with respect to concurrent callers.
type Registry interface {
	// Upsert creates the entry or refreshes its descriptor fields.
	// An existing entry keeps its transferred bytes.
	Upsert(entry *domain.RegistryEntry) error

	// Get returns the entry for key, or domain.ErrNotFound
	Get(key domain.Key) (*domain.RegistryEntry, error)

	// List returns entries matching the filter
	List(filter ListFilter) ([]*domain.RegistryEntry, error)

	// TryClaim takes exclusive ownership of key and transitions it to
	// in_progress. Returns domain.ErrAlreadyClaimed when another worker
	// holds it, domain.ErrNotFound when no entry exists.
	TryClaim(key domain.Key) (Claim, error)

	// UpdateProgress durably records the transferred byte count.
	// The stored value never regresses.
	UpdateProgress(key domain.Key, bytesTransferred int64) error

	// SetStatus transitions the entry's status
	SetStatus(key domain.Key, status string) error

	// MarkFailed records a terminal failure with its reason
	MarkFailed(key domain.Key, reason, lastError string) error

	// ResetProgress zeroes the transferred byte count. Used after a
	// checksum mismatch or a full restart when the host lacks range
	// support.
	ResetProgress(key domain.Key) error

	// ResetForRetry returns a failed or incomplete entry to pending so
	// the resume scanner picks it up again. A checksum failure also
	// zeroes the offset.
	ResetForRetry(key domain.Key) error

	// DemoteStaleInProgress flips in_progress entries with no live
	// claim to incomplete. Called by the resume scanner at startup.
	DemoteStaleInProgress() (int, error)

	// Remove deletes the entry. Removal is always an explicit external
	// operation, never automatic.
	Remove(key domain.Key) error

	Close() error
}
