package relstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Contact is a deduplicated email address within a tenant.
type Contact struct {
	ID         string
	TenantID   string
	Email      string
	Name       string
	CompanyID  string
	FirstSeen  time.Time
	LastSeen   time.Time
	EmailCount int64
}

// LookupContactsByEmail resolves a set of lowercased email addresses to
// their existing contact IDs, querying in chunks of 50 per spec.md's
// contact-deduplication step. Addresses with no existing contact are
// simply absent from the returned map.
func (s *Store) LookupContactsByEmail(tenantID string, emails []string) (map[string]string, error) {
	result := make(map[string]string, len(emails))
	if len(emails) == 0 {
		return result, nil
	}

	err := queryInChunks(s.db, emails, []interface{}{tenantID},
		`SELECT id, email FROM contacts WHERE tenant_id = ? AND email IN (%s)`,
		func(rows *sql.Rows) error {
			var id, email string
			if err := rows.Scan(&id, &email); err != nil {
				return err
			}
			result[email] = id
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("lookup contacts: %w", err)
	}
	return result, nil
}

// GetOrCreateContact returns the contact for (tenantID, email), creating it
// if absent. name and companyID are only applied when the contact is newly
// created; an existing contact's name is never overwritten by a later
// message from the same address. On a unique-constraint race between
// concurrent materializers, the loser falls back to reading the winner's
// row.
func (s *Store) GetOrCreateContact(tenantID, email, name, companyID string, seenAt time.Time) (*Contact, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	if c, err := s.getContact(tenantID, email); err == nil {
		return c, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	c := &Contact{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		Email:      email,
		Name:       name,
		CompanyID:  companyID,
		FirstSeen:  seenAt,
		LastSeen:   seenAt,
		EmailCount: 1,
	}

	var companyIDArg interface{}
	if companyID != "" {
		companyIDArg = companyID
	}

	_, err := s.db.Exec(
		`INSERT INTO contacts (id, tenant_id, email, name, company_id, first_seen, last_seen, email_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		c.ID, c.TenantID, c.Email, nullIfEmpty(name), companyIDArg, c.FirstSeen, c.LastSeen,
	)
	if err != nil {
		if isSQLiteError(err, "constraint failed") || isSQLiteError(err, "UNIQUE constraint") {
			return s.getContact(tenantID, email)
		}
		return nil, fmt.Errorf("insert contact: %w", err)
	}
	return c, nil
}

func (s *Store) getContact(tenantID, email string) (*Contact, error) {
	var c Contact
	var name, companyID sql.NullString
	err := s.db.QueryRow(
		`SELECT id, tenant_id, email, name, company_id, first_seen, last_seen, email_count
		 FROM contacts WHERE tenant_id = ? AND email = ?`,
		tenantID, email,
	).Scan(&c.ID, &c.TenantID, &c.Email, &name, &companyID, &c.FirstSeen, &c.LastSeen, &c.EmailCount)
	if err != nil {
		return nil, err
	}
	c.Name = name.String
	c.CompanyID = companyID.String
	return &c, nil
}

// BumpContactActivity increments email_count and extends last_seen for one
// received message involving this contact.
func (s *Store) BumpContactActivity(tenantID, contactID string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE contacts
		 SET email_count = email_count + 1,
		     last_seen = CASE WHEN ? > last_seen THEN ? ELSE last_seen END
		 WHERE id = ? AND tenant_id = ?`,
		at, at, contactID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("bump contact activity: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
