package sqlite

import (
	"database/sql"
	"strings"

	"github.com/tensorfetch/tensorfetch/internal/domain"
	"github.com/tensorfetch/tensorfetch/internal/port"
)

const entryColumns = `id, model_id, filename, local_path, total_size,
	bytes_transferred, expected_checksum, status, failure_reason,
	last_error, created_at, updated_at`

// Upsert creates the entry or refreshes its descriptor fields. An
// existing entry keeps its transferred bytes, and an entry a worker is
// actively driving keeps its status so a duplicate enqueue cannot
// regress it mid-transfer.
func (s *Store) Upsert(entry *domain.RegistryEntry) error {
	query := `
		INSERT INTO downloads (
			model_id, filename, local_path, total_size, expected_checksum, status
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_id, filename) DO UPDATE SET
			local_path = excluded.local_path,
			total_size = excluded.total_size,
			expected_checksum = excluded.expected_checksum,
			status = CASE
				WHEN downloads.status IN ('in_progress', 'verifying') THEN downloads.status
				ELSE excluded.status
			END,
			failure_reason = NULL,
			last_error = NULL,
			updated_at = datetime('now')
	`

	var checksum sql.NullString
	if entry.ExpectedChecksum != "" {
		checksum = sql.NullString{String: entry.ExpectedChecksum, Valid: true}
	}

	status := entry.Status
	if status == "" {
		status = domain.StatusPending
	}

	_, err := s.db.Exec(query,
		entry.ModelID, entry.Filename, entry.LocalPath,
		entry.TotalSize, checksum, status)
	if err != nil {
		return err
	}

	entry.Status = status
	return nil
}

// Get returns the entry for key, or domain.ErrNotFound
func (s *Store) Get(key domain.Key) (*domain.RegistryEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM downloads WHERE model_id = ? AND filename = ?`

	entry, err := scanEntry(s.db.QueryRow(query, key.ModelID, key.Filename))
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, domain.ErrNotFound
	}
	return entry, nil
}

// List returns entries matching the filter, oldest first
func (s *Store) List(filter port.ListFilter) ([]*domain.RegistryEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM downloads`
	var conds []string
	var args []interface{}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.ModelID != "" {
		conds = append(conds, "model_id = ?")
		args = append(args, filter.ModelID)
	}

	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// claim implements port.Claim
type claim struct {
	key     domain.Key
	release func()
}

func (c *claim) Key() domain.Key { return c.key }
func (c *claim) Release()        { c.release() }

// TryClaim takes exclusive in-memory ownership of key and transitions
// the row to in_progress. A second concurrent caller for the same key
// gets domain.ErrAlreadyClaimed.
func (s *Store) TryClaim(key domain.Key) (port.Claim, error) {
	s.mu.Lock()
	if _, held := s.claims[key]; held {
		s.mu.Unlock()
		return nil, domain.ErrAlreadyClaimed
	}
	s.claims[key] = struct{}{}
	s.mu.Unlock()

	query := `
		UPDATE downloads
		SET status = ?, updated_at = datetime('now')
		WHERE model_id = ? AND filename = ? AND status NOT IN (?, ?)
	`

	result, err := s.db.Exec(query, domain.StatusInProgress,
		key.ModelID, key.Filename, domain.StatusComplete, domain.StatusVerifying)
	if err != nil {
		s.dropClaim(key)
		return nil, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		s.dropClaim(key)
		return nil, err
	}
	if affected == 0 {
		s.dropClaim(key)
		return nil, domain.ErrNotFound
	}

	return &claim{
		key:     key,
		release: func() { s.dropClaim(key) },
	}, nil
}

func (s *Store) dropClaim(key domain.Key) {
	s.mu.Lock()
	delete(s.claims, key)
	s.mu.Unlock()
}

// UpdateProgress durably records the transferred byte count. The stored
// value is guarded against regression so concurrent stale writers cannot
// move it backwards.
func (s *Store) UpdateProgress(key domain.Key, bytesTransferred int64) error {
	query := `
		UPDATE downloads
		SET bytes_transferred = ?, updated_at = datetime('now')
		WHERE model_id = ? AND filename = ? AND bytes_transferred <= ?
	`

	_, err := s.db.Exec(query, bytesTransferred, key.ModelID, key.Filename, bytesTransferred)
	return err
}

// SetStatus transitions the entry's status
func (s *Store) SetStatus(key domain.Key, status string) error {
	query := `
		UPDATE downloads
		SET status = ?, updated_at = datetime('now')
		WHERE model_id = ? AND filename = ?
	`

	result, err := s.db.Exec(query, status, key.ModelID, key.Filename)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkFailed records a terminal failure with its reason
func (s *Store) MarkFailed(key domain.Key, reason, lastError string) error {
	query := `
		UPDATE downloads
		SET status = ?, failure_reason = ?, last_error = ?, updated_at = datetime('now')
		WHERE model_id = ? AND filename = ?
	`

	_, err := s.db.Exec(query, domain.StatusFailed, reason, lastError,
		key.ModelID, key.Filename)
	return err
}

// ResetProgress zeroes the transferred byte count
func (s *Store) ResetProgress(key domain.Key) error {
	query := `
		UPDATE downloads
		SET bytes_transferred = 0, updated_at = datetime('now')
		WHERE model_id = ? AND filename = ?
	`

	_, err := s.db.Exec(query, key.ModelID, key.Filename)
	return err
}

// ResetForRetry returns a failed or incomplete entry to pending. A
// checksum failure zeroes the offset so the retry restarts cleanly;
// other failures keep their bytes for a ranged resume.
func (s *Store) ResetForRetry(key domain.Key) error {
	query := `
		UPDATE downloads
		SET status = ?,
			bytes_transferred = CASE WHEN failure_reason = ? THEN 0 ELSE bytes_transferred END,
			failure_reason = NULL,
			last_error = NULL,
			updated_at = datetime('now')
		WHERE model_id = ? AND filename = ? AND status IN (?, ?)
	`

	result, err := s.db.Exec(query, domain.StatusPending, domain.FailureChecksum,
		key.ModelID, key.Filename, domain.StatusFailed, domain.StatusIncomplete)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DemoteStaleInProgress flips in_progress rows with no live claim to
// incomplete. Claims live in process memory, so at startup every
// in_progress row is an orphan from a prior run.
func (s *Store) DemoteStaleInProgress() (int, error) {
	s.mu.Lock()
	held := make([]domain.Key, 0, len(s.claims))
	for k := range s.claims {
		held = append(held, k)
	}
	s.mu.Unlock()

	query := `
		UPDATE downloads
		SET status = ?, updated_at = datetime('now')
		WHERE status = ?
	`
	args := []interface{}{domain.StatusIncomplete, domain.StatusInProgress}

	for _, k := range held {
		query += " AND NOT (model_id = ? AND filename = ?)"
		args = append(args, k.ModelID, k.Filename)
	}

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, err
	}

	count, err := result.RowsAffected()
	return int(count), err
}

// Remove deletes the entry
func (s *Store) Remove(key domain.Key) error {
	_, err := s.db.Exec("DELETE FROM downloads WHERE model_id = ? AND filename = ?",
		key.ModelID, key.Filename)
	return err
}

// scanEntry scans a single entry row
func scanEntry(row *sql.Row) (*domain.RegistryEntry, error) {
	entry := &domain.RegistryEntry{}
	var checksum, reason, lastError sql.NullString

	err := row.Scan(
		&entry.ID, &entry.ModelID, &entry.Filename, &entry.LocalPath,
		&entry.TotalSize, &entry.BytesTransferred, &checksum,
		&entry.Status, &reason, &lastError,
		&entry.CreatedAt, &entry.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	applyNullable(entry, checksum, reason, lastError)
	return entry, nil
}

// scanEntries scans multiple entry rows
func scanEntries(rows *sql.Rows) ([]*domain.RegistryEntry, error) {
	var entries []*domain.RegistryEntry

	for rows.Next() {
		entry := &domain.RegistryEntry{}
		var checksum, reason, lastError sql.NullString

		err := rows.Scan(
			&entry.ID, &entry.ModelID, &entry.Filename, &entry.LocalPath,
			&entry.TotalSize, &entry.BytesTransferred, &checksum,
			&entry.Status, &reason, &lastError,
			&entry.CreatedAt, &entry.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}

		applyNullable(entry, checksum, reason, lastError)
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

func applyNullable(entry *domain.RegistryEntry, checksum, reason, lastError sql.NullString) {
	if checksum.Valid {
		entry.ExpectedChecksum = checksum.String
	}
	if reason.Valid {
		entry.FailureReason = reason.String
	}
	if lastError.Valid {
		entry.LastError = lastError.String
	}
}
