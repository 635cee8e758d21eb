package relstore

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// LexicalFilters narrows a full-text search beyond the FTS MATCH expression
// itself, mirroring the filters the retrieval pipeline's Step 2 applies:
// sender, company, date range, attachment presence, and an explicit source
// set. When SourceIDs is non-empty the included_in_search restriction is
// bypassed, since the caller named exactly which sources to search.
type LexicalFilters struct {
	FromAddrs     []string
	CompanyDomain string
	After         *time.Time
	Before        *time.Time
	HasAttachment *bool
	SourceIDs     []string
}

// LexicalHit is one row surfaced by SearchLexical, in the shape the
// retrieval pipeline needs to fold into its ranking.
type LexicalHit struct {
	ID            string
	MessageID     string
	Subject       string
	Snippet       string
	FromContactID string
	SentAt        time.Time
	Score         float64 // higher is better
}

// SearchLexical runs matchQuery (already formatted as FTS5 MATCH syntax,
// e.g. "(foo AND bar) OR baz") against a tenant's messages, ranked by BM25
// and windowed to topK. bm25() returns more-negative-is-better; Score
// negates it so callers can treat higher as better uniformly with the
// dense branch.
func (s *Store) SearchLexical(tenantID, matchQuery string, filters LexicalFilters, topK int) ([]LexicalHit, error) {
	if strings.TrimSpace(matchQuery) == "" {
		return nil, nil
	}

	var where []string
	args := []interface{}{matchQuery, tenantID}

	where = append(where, "messages_fts MATCH ?", "m.tenant_id = ?")

	if len(filters.SourceIDs) > 0 {
		placeholders := make([]string, len(filters.SourceIDs))
		for i, id := range filters.SourceIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		where = append(where, fmt.Sprintf("m.source_id IN (%s)", strings.Join(placeholders, ",")))
	} else {
		where = append(where, "(m.source_id IS NULL OR src.included_in_search = 1)")
	}

	if len(filters.FromAddrs) > 0 {
		placeholders := make([]string, len(filters.FromAddrs))
		for i, addr := range filters.FromAddrs {
			placeholders[i] = "?"
			args = append(args, strings.ToLower(addr))
		}
		where = append(where, fmt.Sprintf("LOWER(c.email) IN (%s)", strings.Join(placeholders, ",")))
	}

	if filters.CompanyDomain != "" {
		where = append(where, "LOWER(co.domain) = ?")
		args = append(args, strings.ToLower(filters.CompanyDomain))
	}

	if filters.After != nil {
		where = append(where, "m.sent_at >= ?")
		args = append(args, *filters.After)
	}
	if filters.Before != nil {
		where = append(where, "m.sent_at <= ?")
		args = append(args, *filters.Before)
	}
	if filters.HasAttachment != nil {
		if *filters.HasAttachment {
			where = append(where, "m.has_attachments = 1")
		} else {
			where = append(where, "m.has_attachments = 0")
		}
	}

	query := fmt.Sprintf(`
		SELECT m.id, m.message_id, m.subject, m.from_contact_id, m.sent_at,
		       -bm25(messages_fts) AS score,
		       snippet(messages_fts, 1, '<mark>', '</mark>', '...', 32) AS snip
		FROM messages_fts
		JOIN messages m ON m.rowid = messages_fts.rowid
		LEFT JOIN sources src ON src.id = m.source_id
		LEFT JOIN contacts c ON c.id = m.from_contact_id
		LEFT JOIN companies co ON co.id = c.company_id
		WHERE %s
		ORDER BY score DESC
		LIMIT ?
	`, strings.Join(where, " AND "))
	args = append(args, topK)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("search lexical: %w", err)
	}
	defer rows.Close()

	var hits []LexicalHit
	for rows.Next() {
		var h LexicalHit
		if err := rows.Scan(&h.ID, &h.MessageID, &h.Subject, &h.FromContactID, &h.SentAt, &h.Score, &h.Snippet); err != nil {
			return nil, fmt.Errorf("scan lexical hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// MessageSummary is the slice of a messages row the retrieval pipeline's
// dense branch needs to build a result: enough to derive a snippet and
// sort key without a second round trip through SearchLexical.
type MessageSummary struct {
	ID            string
	MessageID     string
	Subject       string
	BodyText      string
	FromContactID string
	SentAt        time.Time
}

// GetMessagesByIDs fetches the summaries for a set of relational message
// ids, scoped to tenantID. Ids with no matching row (deleted, wrong
// tenant) are simply absent from the result.
func (s *Store) GetMessagesByIDs(tenantID string, ids []string) (map[string]MessageSummary, error) {
	summaries := make(map[string]MessageSummary, len(ids))
	err := queryInChunks(s.db, ids, []interface{}{tenantID},
		`SELECT id, message_id, subject, body_text, from_contact_id, sent_at FROM messages WHERE tenant_id = ? AND id IN (%s)`,
		func(rows *sql.Rows) error {
			var m MessageSummary
			if err := rows.Scan(&m.ID, &m.MessageID, &m.Subject, &m.BodyText, &m.FromContactID, &m.SentAt); err != nil {
				return err
			}
			summaries[m.ID] = m
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("get messages by ids: %w", err)
	}
	return summaries, nil
}

// ContactsByID resolves a set of contact ids to their email/name, used by
// the retrieval pipeline to populate from_email/from_name on results.
func (s *Store) ContactsByID(tenantID string, ids []string) (map[string]Contact, error) {
	contacts := make(map[string]Contact, len(ids))
	err := queryInChunks(s.db, ids, []interface{}{tenantID},
		`SELECT id, email, name FROM contacts WHERE tenant_id = ? AND id IN (%s)`,
		func(rows *sql.Rows) error {
			var c Contact
			var name sql.NullString
			if err := rows.Scan(&c.ID, &c.Email, &name); err != nil {
				return err
			}
			c.Name = name.String
			contacts[c.ID] = c
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("get contacts by ids: %w", err)
	}
	return contacts, nil
}

// VerifyMessageTenancy returns the subset of ids that belong to tenantID,
// used by the retrieval pipeline's dense branch to defend against stale
// vector-store metadata (spec.md's "secondary verification query").
func (s *Store) VerifyMessageTenancy(tenantID string, ids []string) (map[string]bool, error) {
	verified := make(map[string]bool, len(ids))
	err := queryInChunks(s.db, ids, []interface{}{tenantID},
		`SELECT id FROM messages WHERE tenant_id = ? AND id IN (%s)`,
		func(rows *sql.Rows) error {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			verified[id] = true
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("verify message tenancy: %w", err)
	}
	return verified, nil
}
