package domain

// FileDescriptor describes one remote file prior to transfer.
// Produced by the hub catalog client, immutable once created.
type FileDescriptor struct {
	Filename string
	Size     int64

	// Checksum is a lowercase hex sha256, empty when the hub did not
	// publish one for this file.
	Checksum string

	// QuantTag groups GGUF-style quantization variants (e.g. "Q4_K_M").
	// Empty for files that are not part of a quantization set.
	QuantTag string
}

// QuantizationGroup aggregates the files belonging to one quantization
// variant. Used only for selection before enqueueing, never persisted.
type QuantizationGroup struct {
	Tag       string
	Files     []FileDescriptor
	TotalSize int64
}

// DownloadTask is a transient unit of work handed to a transfer worker
type DownloadTask struct {
	ModelID      string
	File         FileDescriptor
	Destination  string
	ResumeOffset int64
}

// Key returns the registry key this task maps to
func (t DownloadTask) Key() Key {
	return Key{ModelID: t.ModelID, Filename: t.File.Filename}
}

// VerificationQueueItem is handed from a transfer worker to the
// verification engine once a file is byte-complete
type VerificationQueueItem struct {
	Key              Key
	PartPath         string
	FinalPath        string
	ExpectedChecksum string
}

// ProgressSnapshot is an ephemeral view of one file's transfer state,
// recomputed on every aggregator tick and never persisted
type ProgressSnapshot struct {
	ModelID   string
	Filename  string
	Bytes     int64
	Total     int64
	SpeedBps  float64
	Done      bool
	ActiveCnt int
	QueuedCnt int
}
