package relstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Company aggregates contacts that share a mail domain.
type Company struct {
	ID           string
	TenantID     string
	Domain       string
	Name         string
	TotalEmails  int64
	FirstContact time.Time
	LastContact  time.Time
}

// freeWebmailDomains never yield a company: a shared domain like gmail.com
// says nothing about the sender's employer.
var freeWebmailDomains = map[string]bool{
	"gmail.com":   true,
	"yahoo.com":   true,
	"hotmail.com": true,
	"outlook.com": true,
	"icloud.com":  true,
}

// IsFreeWebmailDomain reports whether domain is excluded from company
// attribution.
func IsFreeWebmailDomain(domain string) bool {
	return freeWebmailDomains[strings.ToLower(domain)]
}

// companyNameFromDomain derives a display name from a domain by dropping
// the TLD and title-casing the remainder, e.g. "acme-corp.io" -> "Acme Corp".
func companyNameFromDomain(domain string) string {
	base := domain
	if i := strings.LastIndex(domain, "."); i > 0 {
		base = domain[:i]
	}
	parts := strings.FieldsFunc(base, func(r rune) bool {
		return r == '-' || r == '_' || r == '.'
	})
	for i, p := range parts {
		if len(p) == 0 {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

// GetOrCreateCompany returns the company for (tenantID, domain), creating
// it if absent. Returns (nil, nil) for excluded free-webmail domains. On a
// unique-constraint race between concurrent materializers, the loser falls
// back to reading the winner's row.
func (s *Store) GetOrCreateCompany(tenantID, domain string, seenAt time.Time) (*Company, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" || IsFreeWebmailDomain(domain) {
		return nil, nil
	}

	if c, err := s.getCompany(tenantID, domain); err == nil {
		return c, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	c := &Company{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		Domain:       domain,
		Name:         companyNameFromDomain(domain),
		FirstContact: seenAt,
		LastContact:  seenAt,
	}

	_, err := s.db.Exec(
		`INSERT INTO companies (id, tenant_id, domain, name, total_emails, first_contact, last_contact)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		c.ID, c.TenantID, c.Domain, c.Name, c.FirstContact, c.LastContact,
	)
	if err != nil {
		if isSQLiteError(err, "constraint failed") || isSQLiteError(err, "UNIQUE constraint") {
			return s.getCompany(tenantID, domain)
		}
		return nil, fmt.Errorf("insert company: %w", err)
	}
	return c, nil
}

func (s *Store) getCompany(tenantID, domain string) (*Company, error) {
	var c Company
	err := s.db.QueryRow(
		`SELECT id, tenant_id, domain, name, total_emails, first_contact, last_contact
		 FROM companies WHERE tenant_id = ? AND domain = ?`,
		tenantID, domain,
	).Scan(&c.ID, &c.TenantID, &c.Domain, &c.Name, &c.TotalEmails, &c.FirstContact, &c.LastContact)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// BumpCompanyActivity increments total_emails and extends last_contact for
// one received message, used by the materializer after a message insert.
func (s *Store) BumpCompanyActivity(tenantID, companyID string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE companies
		 SET total_emails = total_emails + 1,
		     last_contact = CASE WHEN ? > last_contact THEN ? ELSE last_contact END
		 WHERE id = ? AND tenant_id = ?`,
		at, at, companyID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("bump company activity: %w", err)
	}
	return nil
}
