// Package materializer turns a batch of parsed, tenant-scoped email
// messages into durable relational rows, blob-stored attachments, and
// vector embeddings. It implements the parallel materializer contract:
// deduplicated contacts and companies, thread resolution, batched message
// persistence, aggregate counters, and a single batched embedding call per
// group.
package materializer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/archivesearch/core/internal/blobstore"
	"github.com/archivesearch/core/internal/emailparse"
	"github.com/archivesearch/core/internal/modelruntime"
	"github.com/archivesearch/core/internal/relstore"
	"github.com/archivesearch/core/internal/vectorstore"
)

// maxConcurrentContactCreations bounds contact/company creation fan-out,
// per spec.md §4.3 step 2.
const maxConcurrentContactCreations = 10

// embeddingBodyChars is how much of body_text feeds the embedding input,
// per spec.md §4.3 step 8.
const embeddingBodyChars = 1000

// ParsedMessage pairs an emailparse.Message with the source-level context
// the materializer needs but the parser doesn't carry: the attachment
// blob keys, already written by the caller before this runs.
type ParsedMessage struct {
	Message     *emailparse.Message
	Attachments []StagedAttachment
}

// StagedAttachment is an attachment whose bytes have already been written
// to the blob store at BlobKey; the materializer only records the
// reference.
type StagedAttachment struct {
	Filename    string
	ContentType string
	Size        int64
	BlobKey     string
}

// Result summarizes one Materialize call.
type Result struct {
	Processed int
	Failed    int
	Errors    []string
}

// Materializer wires together the stores a batch of messages is persisted
// into.
type Materializer struct {
	relstore *relstore.Store
	vectors  *vectorstore.Store
	blobs    blobstore.Store
	models   *modelruntime.Client
	logger   *slog.Logger
}

// New constructs a Materializer. logger defaults to slog.Default() if nil.
func New(rs *relstore.Store, vs *vectorstore.Store, bs blobstore.Store, mr *modelruntime.Client, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{relstore: rs, vectors: vs, blobs: bs, models: mr, logger: logger}
}

// Materialize persists a set of parsed messages sharing (tenantID, sourceID).
// Per-message failures are captured in Result.Errors and counted as failed;
// they do not abort the batch.
func (m *Materializer) Materialize(ctx context.Context, tenantID, sourceID string, messages []ParsedMessage) (*Result, error) {
	if len(messages) == 0 {
		return &Result{}, nil
	}

	contactIDs, companyIDs, err := m.resolveContacts(ctx, tenantID, messages)
	if err != nil {
		return nil, fmt.Errorf("resolve contacts: %w", err)
	}

	result := &Result{}
	var resultMu sync.Mutex
	var embedTexts []string
	var embedKeys []string
	var embedSubjects []string
	var embedSentAt []time.Time
	var embedFromEmails []string
	var embedMu sync.Mutex

	for _, pm := range messages {
		msg := pm.Message
		fromContactID, ok := contactIDs[strings.ToLower(msg.GetFirstFrom().Email)]
		if !ok {
			resultMu.Lock()
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: no resolved sender contact", msg.MessageID))
			resultMu.Unlock()
			continue
		}

		threadID, err := m.relstore.ResolveThread(tenantID, msg.InReplyTo, msg.References)
		if err != nil {
			resultMu.Lock()
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: resolve thread: %v", msg.MessageID, err))
			resultMu.Unlock()
			continue
		}

		row := &relstore.Message{
			TenantID:      tenantID,
			SourceID:      sourceID,
			MessageID:     msg.MessageID,
			ThreadID:      threadID,
			Subject:       msg.Subject,
			BodyText:      msg.BodyText,
			BodyHTML:      msg.BodyHTML,
			SentAt:        msg.Date,
			FromContactID: fromContactID,
		}

		rowID, inserted, err := m.relstore.UpsertMessage(row)
		if err != nil {
			resultMu.Lock()
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: upsert message: %v", msg.MessageID, err))
			resultMu.Unlock()
			continue
		}

		resultMu.Lock()
		result.Processed++
		resultMu.Unlock()

		if !inserted {
			// Re-ingestion of an already-materialized message: a no-op
			// per spec.md's idempotence rule, skip steps 5-8.
			continue
		}

		if err := m.insertRecipients(rowID, tenantID, msg, contactIDs); err != nil {
			m.logger.Warn("insert recipients failed", "message_id", msg.MessageID, "error", err)
		}

		if len(pm.Attachments) > 0 {
			if err := m.insertAttachments(tenantID, rowID, pm.Attachments); err != nil {
				m.logger.Warn("insert attachments failed", "message_id", msg.MessageID, "error", err)
			}
		}

		fromEmail := strings.ToLower(msg.GetFirstFrom().Email)
		m.bumpCounters(tenantID, fromContactID, companyIDs[fromEmail], msg.Date)

		embedMu.Lock()
		embedTexts = append(embedTexts, embeddingInput(msg))
		embedKeys = append(embedKeys, rowID)
		embedSubjects = append(embedSubjects, msg.Subject)
		embedSentAt = append(embedSentAt, msg.Date)
		embedFromEmails = append(embedFromEmails, fromEmail)
		embedMu.Unlock()
	}

	if m.models != nil && m.vectors != nil && len(embedTexts) > 0 {
		if err := m.embedAndUpsert(ctx, tenantID, embedKeys, embedTexts, embedSubjects, embedFromEmails, embedSentAt); err != nil {
			// Embedding failures are logged and do not fail the message,
			// per spec.md §4.3.
			m.logger.Warn("embedding batch failed", "count", len(embedTexts), "error", err)
		}
	}

	return result, nil
}

// embeddingInput composes the embedding model input: subject, a blank
// line, then up to embeddingBodyChars characters of body text.
func embeddingInput(msg *emailparse.Message) string {
	body := msg.BodyText
	if r := []rune(body); len(r) > embeddingBodyChars {
		body = string(r[:embeddingBodyChars])
	}
	return msg.Subject + "\n\n" + body
}

func (m *Materializer) embedAndUpsert(ctx context.Context, tenantID string, keys, texts, subjects, fromEmails []string, sentAt []time.Time) error {
	vectors, err := m.models.Embed(ctx, texts)
	if err != nil {
		return err
	}
	if len(vectors) != len(keys) {
		return fmt.Errorf("embedding count mismatch: got %d, want %d", len(vectors), len(keys))
	}

	for i, key := range keys {
		meta := map[string]any{
			"tenant_id":  tenantID,
			"message_id": key,
			"subject":    subjects[i],
			"sent_at":    sentAt[i].Format(time.RFC3339),
			"from_email": fromEmails[i],
		}
		if err := m.vectors.Upsert(key, vectors[i], meta); err != nil {
			m.logger.Warn("vector upsert failed", "message_id", key, "error", err)
		}
	}
	return nil
}

// resolveContacts implements spec.md §4.3 steps 1-2: dedup known
// addresses, then create missing contacts (and companies) with bounded
// concurrency.
func (m *Materializer) resolveContacts(ctx context.Context, tenantID string, messages []ParsedMessage) (contactIDs, companyIDs map[string]string, err error) {
	addressSet := make(map[string]string) // lowercased email -> display name (best-effort)
	for _, pm := range messages {
		collectAddress(addressSet, pm.Message.From)
		collectAddress(addressSet, pm.Message.To)
		collectAddress(addressSet, pm.Message.Cc)
	}

	emails := make([]string, 0, len(addressSet))
	for email := range addressSet {
		emails = append(emails, email)
	}

	known, err := m.relstore.LookupContactsByEmail(tenantID, emails)
	if err != nil {
		return nil, nil, err
	}
	companyIDs = make(map[string]string, len(emails))

	var missing []string
	for _, email := range emails {
		if _, ok := known[email]; !ok {
			missing = append(missing, email)
		}
	}

	if len(missing) == 0 {
		return known, companyIDs, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, maxConcurrentContactCreations)
	var mu sync.Mutex
	now := time.Now().UTC()

	for _, email := range missing {
		email := email
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return gctx.Err()
			}

			var companyID string
			if domain := domainOf(email); domain != "" {
				company, err := m.relstore.GetOrCreateCompany(tenantID, domain, now)
				if err != nil {
					return err
				}
				if company != nil {
					companyID = company.ID
				}
			}

			contact, err := m.relstore.GetOrCreateContact(tenantID, email, addressSet[email], companyID, now)
			if err != nil {
				return err
			}

			mu.Lock()
			known[email] = contact.ID
			if companyID != "" {
				companyIDs[email] = companyID
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return known, companyIDs, nil
}

func (m *Materializer) insertRecipients(rowID, tenantID string, msg *emailparse.Message, contactIDs map[string]string) error {
	var recipients []relstore.Recipient
	for _, addr := range msg.To {
		if id, ok := contactIDs[strings.ToLower(addr.Email)]; ok {
			recipients = append(recipients, relstore.Recipient{ContactID: id, Role: relstore.RoleTo})
		}
	}
	for _, addr := range msg.Cc {
		if id, ok := contactIDs[strings.ToLower(addr.Email)]; ok {
			recipients = append(recipients, relstore.Recipient{ContactID: id, Role: relstore.RoleCc})
		}
	}
	return m.relstore.InsertRecipients(rowID, recipients)
}

func (m *Materializer) insertAttachments(tenantID, rowID string, staged []StagedAttachment) error {
	attachments := make([]relstore.Attachment, 0, len(staged))
	for _, a := range staged {
		attachments = append(attachments, relstore.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size,
			BlobKey:     a.BlobKey,
		})
	}
	return m.relstore.InsertAttachments(tenantID, rowID, attachments)
}

func (m *Materializer) bumpCounters(tenantID, contactID, companyID string, sentAt time.Time) {
	if err := m.relstore.BumpContactActivity(tenantID, contactID, sentAt); err != nil {
		m.logger.Warn("bump contact activity failed", "contact_id", contactID, "error", err)
	}
	if companyID != "" {
		if err := m.relstore.BumpCompanyActivity(tenantID, companyID, sentAt); err != nil {
			m.logger.Warn("bump company activity failed", "company_id", companyID, "error", err)
		}
	}
}

func collectAddress(set map[string]string, addrs []emailparse.Address) {
	for _, a := range addrs {
		email := strings.ToLower(a.Email)
		if email == "" {
			continue
		}
		if _, exists := set[email]; !exists {
			set[email] = a.Name
		}
	}
}

func domainOf(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return strings.ToLower(email[i+1:])
	}
	return ""
}
