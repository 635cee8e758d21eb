package relstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecipientRole distinguishes To and Cc recipients. MBOX carries no Bcc.
const (
	RoleTo = "to"
	RoleCc = "cc"
)

// Message is a fully parsed, tenant-scoped email ready for persistence.
type Message struct {
	ID             string
	TenantID       string
	SourceID       string
	MessageID      string
	ThreadID       string
	Subject        string
	BodyText       string
	BodyHTML       string
	SentAt         time.Time
	FromContactID  string
	HasAttachments bool
	CreatedAt      time.Time
}

// Recipient names a contact on a message with its role.
type Recipient struct {
	ContactID string
	Role      string
}

// Attachment is a persisted attachment reference; the bytes live in the
// blob store under BlobKey.
type Attachment struct {
	ID          string
	Filename    string
	ContentType string
	Size        int64
	BlobKey     string
}

// ResolveThread implements spec.md's thread-resolution rule: if InReplyTo
// names a known message, adopt its thread_id if set, else its own id. Otherwise scan
// references in order; for the first one that resolves to an existing
// message, adopt its thread_id if set, else its own id. Otherwise the
// message starts a new, standalone thread (empty string).
func (s *Store) ResolveThread(tenantID, inReplyTo string, references []string) (string, error) {
	if inReplyTo != "" {
		if threadID, ok, err := s.lookupThreadFor(tenantID, inReplyTo); err != nil {
			return "", err
		} else if ok {
			return threadID, nil
		}
	}

	for _, ref := range references {
		if ref == "" {
			continue
		}
		if threadID, ok, err := s.lookupThreadFor(tenantID, ref); err != nil {
			return "", err
		} else if ok {
			return threadID, nil
		}
	}

	return "", nil
}

// lookupThreadFor resolves the thread_id a message should adopt from a
// parent identified by its external message_id: the parent's own thread_id
// if set, else the parent's row id. ok is false when no such parent exists
// for this tenant.
func (s *Store) lookupThreadFor(tenantID, parentMessageID string) (string, bool, error) {
	var id string
	var threadID sql.NullString
	err := s.db.QueryRow(
		`SELECT id, thread_id FROM messages WHERE tenant_id = ? AND message_id = ?`,
		tenantID, parentMessageID,
	).Scan(&id, &threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup thread parent: %w", err)
	}
	if threadID.Valid && threadID.String != "" {
		return threadID.String, true, nil
	}
	return id, true, nil
}

// UpsertMessage inserts a message keyed on (tenant_id, message_id), a
// no-op when the external message_id was already ingested for this tenant.
// Returns the row's internal ID and whether this call actually inserted it
// (false means the row already existed and steps 5-8 should be skipped).
func (s *Store) UpsertMessage(m *Message) (id string, inserted bool, err error) {
	existingID, getErr := s.getMessageIDByExternalID(m.TenantID, m.MessageID)
	if getErr == nil {
		return existingID, false, nil
	}
	if !errors.Is(getErr, sql.ErrNoRows) {
		return "", false, getErr
	}

	m.ID = uuid.New().String()
	m.CreatedAt = time.Now().UTC()

	_, err = s.db.Exec(
		`INSERT INTO messages (id, tenant_id, source_id, message_id, thread_id, subject, body_text, body_html,
		                        sent_at, from_contact_id, has_attachments, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TenantID, nullIfEmpty(m.SourceID), m.MessageID, nullIfEmpty(m.ThreadID), m.Subject, m.BodyText,
		nullIfEmpty(m.BodyHTML), m.SentAt, m.FromContactID, m.HasAttachments, m.CreatedAt,
	)
	if err != nil {
		if isSQLiteError(err, "constraint failed") || isSQLiteError(err, "UNIQUE constraint") {
			existingID, err = s.getMessageIDByExternalID(m.TenantID, m.MessageID)
			if err != nil {
				return "", false, err
			}
			return existingID, false, nil
		}
		return "", false, fmt.Errorf("insert message: %w", err)
	}
	return m.ID, true, nil
}

func (s *Store) getMessageIDByExternalID(tenantID, messageID string) (string, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT id FROM messages WHERE tenant_id = ? AND message_id = ?`,
		tenantID, messageID,
	).Scan(&id)
	return id, err
}

// InsertRecipients writes to/cc recipient rows for a message. Safe to call
// at most once per message (UpsertMessage callers must check `inserted`
// first).
func (s *Store) InsertRecipients(messageID string, recipients []Recipient) error {
	if len(recipients) == 0 {
		return nil
	}
	return s.withTx(func(tx *sql.Tx) error {
		return insertInChunks(tx, len(recipients), 3,
			`INSERT OR IGNORE INTO recipients (message_id, contact_id, role) VALUES `,
			func(start, end int) ([]string, []interface{}) {
				values := make([]string, 0, end-start)
				args := make([]interface{}, 0, (end-start)*3)
				for _, r := range recipients[start:end] {
					values = append(values, "(?, ?, ?)")
					args = append(args, messageID, r.ContactID, r.Role)
				}
				return values, args
			},
		)
	})
}

// InsertAttachments writes attachment rows and flips has_attachments on the
// message. The attachment bytes themselves belong in the blob store under
// each Attachment's BlobKey; this only records the reference.
func (s *Store) InsertAttachments(tenantID, messageID string, attachments []Attachment) error {
	if len(attachments) == 0 {
		return nil
	}
	return s.withTx(func(tx *sql.Tx) error {
		err := insertInChunks(tx, len(attachments), 6,
			`INSERT INTO attachments (id, message_id, filename, content_type, size, blob_key) VALUES `,
			func(start, end int) ([]string, []interface{}) {
				values := make([]string, 0, end-start)
				args := make([]interface{}, 0, (end-start)*6)
				for _, a := range attachments[start:end] {
					if a.ID == "" {
						a.ID = uuid.New().String()
					}
					values = append(values, "(?, ?, ?, ?, ?, ?)")
					args = append(args, a.ID, messageID, a.Filename, a.ContentType, a.Size, a.BlobKey)
				}
				return values, args
			},
		)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE messages SET has_attachments = 1 WHERE id = ?`, messageID)
		return err
	})
}
