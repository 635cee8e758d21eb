package relstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Source tracks one ingestion job: an uploaded mbox file, a connected
// mailbox, or any other bulk origin of messages for a tenant.
type Source struct {
	ID                string
	TenantID          string
	Name              string
	EmailAddress      string
	Kind              string
	FileName          string
	Status            string
	Expected          int64
	Succeeded         int64
	Failed            int64
	IncludedInSearch  bool
	Error             string
	StartedAt         *time.Time
	CompletedAt       *time.Time
	CreatedAt         time.Time
}

// Source status values. completed and failed are terminal.
const (
	SourceStatusPending    = "pending"
	SourceStatusProcessing = "processing"
	SourceStatusCompleted  = "completed"
	SourceStatusFailed     = "failed"
)

// Source kinds.
const (
	SourceKindGmail   = "gmail"
	SourceKindOutlook = "outlook"
	SourceKindMbox    = "mbox"
	SourceKindPST     = "pst"
	SourceKindAPI     = "api"
)

// CreateSource inserts a new source row in the pending state.
func (s *Store) CreateSource(tenantID, name, kind, fileName string) (*Source, error) {
	src := &Source{
		ID:               uuid.New().String(),
		TenantID:         tenantID,
		Name:             name,
		Kind:             kind,
		FileName:         fileName,
		Status:           SourceStatusPending,
		IncludedInSearch: true,
		CreatedAt:        time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO sources (id, tenant_id, name, kind, file_name, status, included_in_search, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.TenantID, src.Name, src.Kind, src.FileName, src.Status, src.IncludedInSearch, src.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert source: %w", err)
	}
	return src, nil
}

// GetSource fetches a source scoped to tenantID.
func (s *Store) GetSource(tenantID, id string) (*Source, error) {
	row := s.db.QueryRow(
		`SELECT id, tenant_id, name, email_address, kind, file_name, status, expected, succeeded, failed,
		        included_in_search, error, started_at, completed_at, created_at
		 FROM sources WHERE id = ? AND tenant_id = ?`,
		id, tenantID,
	)
	return scanSource(row)
}

// StartSource transitions a pending source to processing and records the
// total number of items expected, per spec.md's ingestion state machine.
func (s *Store) StartSource(tenantID, id string, expected int64) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE sources SET status = ?, expected = ?, started_at = ?
		 WHERE id = ? AND tenant_id = ? AND status = ?`,
		SourceStatusProcessing, expected, now, id, tenantID, SourceStatusPending,
	)
	if err != nil {
		return fmt.Errorf("start source: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("source %s is not pending", id)
	}
	return nil
}

// IncrementExpected bumps a source's expected counter by delta, called once
// per chunk as the chunk parser discovers how many messages it emitted.
// expected is therefore a running sum, only known to be final once the last
// chunk has been processed.
func (s *Store) IncrementExpected(tenantID, id string, delta int64) error {
	_, err := s.db.Exec(
		`UPDATE sources SET expected = expected + ? WHERE id = ? AND tenant_id = ?`,
		delta, id, tenantID,
	)
	if err != nil {
		return fmt.Errorf("increment source expected: %w", err)
	}
	return nil
}

// IncrementSourceCounters bumps succeeded/failed counters for a source by
// the given deltas. It does not itself transition status; the caller (the
// progress tracker) follows up with TryCompleteSource to attempt the
// completion transition.
func (s *Store) IncrementSourceCounters(tenantID, id string, succeededDelta, failedDelta int64) error {
	_, err := s.db.Exec(
		`UPDATE sources SET succeeded = succeeded + ?, failed = failed + ?
		 WHERE id = ? AND tenant_id = ?`,
		succeededDelta, failedDelta, id, tenantID,
	)
	if err != nil {
		return fmt.Errorf("increment source counters: %w", err)
	}
	return nil
}

// TryCompleteSource attempts the atomic completion transition: a source
// moves from processing to completed only when expected is known (>0) and
// succeeded+failed has caught up to it. Returns true only if this call's
// UPDATE is the one that actually flipped the row; concurrent callers that
// lose the race get false, not an error.
func (s *Store) TryCompleteSource(tenantID, id string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE sources SET status = ?, completed_at = ?
		 WHERE id = ? AND tenant_id = ? AND status = ?
		   AND expected > 0 AND (succeeded + failed) >= expected`,
		SourceStatusCompleted, now, id, tenantID, SourceStatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("complete source: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FailSource marks a source failed outright, e.g. on a chunk handler's
// unrecoverable error.
func (s *Store) FailSource(tenantID, id, errMsg string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE sources SET status = ?, error = ?, completed_at = ?
		 WHERE id = ? AND tenant_id = ? AND status != ?`,
		SourceStatusFailed, errMsg, now, id, tenantID, SourceStatusCompleted,
	)
	if err != nil {
		return fmt.Errorf("fail source: %w", err)
	}
	return nil
}

// RemoveSource deletes a source and, via ON DELETE CASCADE, its messages,
// recipients, and attachment rows. The caller is responsible for deleting
// the corresponding blobs and vector entries; relstore only owns the
// relational rows.
func (s *Store) RemoveSource(tenantID, id string) error {
	res, err := s.db.Exec(`DELETE FROM sources WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("source %s not found for tenant %s", id, tenantID)
	}
	return nil
}

// ListSources returns all sources for a tenant, most recent first.
func (s *Store) ListSources(tenantID string) ([]*Source, error) {
	rows, err := s.db.Query(
		`SELECT id, tenant_id, name, email_address, kind, file_name, status, expected, succeeded, failed,
		        included_in_search, error, started_at, completed_at, created_at
		 FROM sources WHERE tenant_id = ? ORDER BY created_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []*Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSource(row rowScanner) (*Source, error) {
	var src Source
	var emailAddress, fileName, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&src.ID, &src.TenantID, &src.Name, &emailAddress, &src.Kind, &fileName, &src.Status,
		&src.Expected, &src.Succeeded, &src.Failed, &src.IncludedInSearch, &errMsg,
		&startedAt, &completedAt, &src.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan source: %w", err)
	}

	src.EmailAddress = emailAddress.String
	src.FileName = fileName.String
	src.Error = errMsg.String
	if startedAt.Valid {
		src.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		src.CompletedAt = &completedAt.Time
	}
	return &src, nil
}
