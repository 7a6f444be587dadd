package domain

import "time"

// Entry status constants
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusIncomplete = "incomplete"
	StatusVerifying  = "verifying"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
)

// Failure reason constants, recorded alongside StatusFailed
const (
	FailureNetwork  = "network_error"
	FailureChecksum = "checksum_mismatch"
	FailureAuth     = "auth_error"

	// FailureIO marks local disk or registry faults, distinct from
	// remote transfer failures so retry handling does not conflate them
	FailureIO = "io_error"
)

// Key uniquely identifies a registry entry
type Key struct {
	ModelID  string
	Filename string
}

// String returns the key in "owner/name/filename" form for logging
func (k Key) String() string {
	return k.ModelID + "/" + k.Filename
}

// RegistryEntry is the durable record of one file download.
// It is owned by the registry store and mutated only through its API.
type RegistryEntry struct {
	ID               int64
	ModelID          string
	Filename         string
	LocalPath        string
	TotalSize        int64
	BytesTransferred int64

	// ExpectedChecksum is a lowercase hex sha256, empty when the
	// catalog did not supply one.
	ExpectedChecksum string

	Status        string
	FailureReason string
	LastError     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key returns the registry key for this entry
func (e *RegistryEntry) Key() Key {
	return Key{ModelID: e.ModelID, Filename: e.Filename}
}

// Terminal returns true if no further automatic transition will occur
func (e *RegistryEntry) Terminal() bool {
	return e.Status == StatusComplete || e.Status == StatusFailed
}

// Resumable returns true if the entry can be re-enqueued by the
// resume scanner without explicit user action
func (e *RegistryEntry) Resumable() bool {
	return e.Status == StatusPending || e.Status == StatusIncomplete
}
