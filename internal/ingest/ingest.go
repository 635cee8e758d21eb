// Package ingest wires the chunk and email queue consumers together:
// splitting uploaded MBOX chunks into individual messages, spilling
// oversize bodies to the blob store, and handing parsed message groups off
// to the materializer once a batch is assembled.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/archivesearch/core/internal/blobstore"
	"github.com/archivesearch/core/internal/emailparse"
	"github.com/archivesearch/core/internal/kv"
	"github.com/archivesearch/core/internal/materializer"
	"github.com/archivesearch/core/internal/mbox"
	"github.com/archivesearch/core/internal/progress"
	"github.com/archivesearch/core/internal/queue"
	"github.com/archivesearch/core/internal/relstore"
)

// inlineCap is the maximum serialized email body the queue will carry
// inline before it is spilled to the blob store and referenced instead,
// per spec.md §4.2's default.
const inlineCap = 200 * 1024

// Pipeline wires the ingestion consumers' dependencies together.
type Pipeline struct {
	blobs        blobstore.Store
	kv           *kv.Store
	q            queue.Publisher
	chunkQueue   string
	emailQueue   string
	relstore     *relstore.Store
	materializer *materializer.Materializer
	progress     *progress.Tracker
	logger       *slog.Logger
}

// New constructs a Pipeline. logger defaults to slog.Default() if nil.
func New(blobs blobstore.Store, kvStore *kv.Store, q queue.Publisher, chunkQueue, emailQueue string, rs *relstore.Store, m *materializer.Materializer, pt *progress.Tracker, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		blobs: blobs, kv: kvStore, q: q,
		chunkQueue: chunkQueue, emailQueue: emailQueue,
		relstore: rs, materializer: m, progress: pt, logger: logger,
	}
}

// ProcessChunk implements spec.md §4.1's per-chunk algorithm: read the
// chunk, prepend carryover, split on MBOX boundaries, enqueue one
// process-email (or process-email-ref) per complete message, persist the
// trailing partial as the next chunk's carryover, chain the next chunk, and
// on the last chunk reconcile the source's completion state. The carryover
// is only peeked, never consumed, so a failure partway through (and the
// queue redelivery that follows) sees the same carryover and chunk bytes
// again rather than losing the prior chunk's trailing partial message.
func (p *Pipeline) ProcessChunk(ctx context.Context, body queue.ChunkBody) error {
	chunkBytes, err := p.readChunk(ctx, body)
	if err != nil {
		return err
	}

	carryover, err := p.kv.PeekCarryover(ctx, body.SourceID)
	if err != nil {
		return fmt.Errorf("ingest: peek carryover: %w", err)
	}

	buf := make([]byte, 0, len(carryover)+len(chunkBytes))
	buf = append(buf, carryover...)
	buf = append(buf, chunkBytes...)

	isLast := body.IsLast()
	messages, newCarryover := mbox.Split(buf, isLast)

	for _, raw := range messages {
		if err := p.publishEmail(ctx, body.TenantID, body.SourceID, raw); err != nil {
			return fmt.Errorf("ingest: publish email: %w", err)
		}
	}

	if len(messages) > 0 {
		if err := p.relstore.IncrementExpected(body.TenantID, body.SourceID, int64(len(messages))); err != nil {
			return fmt.Errorf("ingest: increment expected: %w", err)
		}
	}

	if err := p.kv.PutCarryover(ctx, body.SourceID, newCarryover); err != nil {
		return fmt.Errorf("ingest: put carryover: %w", err)
	}

	if !isLast {
		next := body
		next.Index++
		next.BlobKey = blobstore.ChunkKey(body.SourceID, next.Index)
		if err := p.q.Publish(ctx, p.chunkQueue, queue.TypeChunk, next); err != nil {
			return fmt.Errorf("ingest: enqueue next chunk: %w", err)
		}
	}

	if err := p.blobs.Delete(ctx, body.BlobKey); err != nil {
		p.logger.Warn("delete consumed chunk failed", "blob_key", body.BlobKey, "error", err)
	}

	if isLast {
		completed, err := p.progress.CompleteLastChunk(body.TenantID, body.SourceID)
		if err != nil {
			return fmt.Errorf("ingest: complete last chunk: %w", err)
		}
		p.logger.Info("last chunk processed", "source_id", body.SourceID, "completed", completed)
	}

	return nil
}

func (p *Pipeline) readChunk(ctx context.Context, body queue.ChunkBody) ([]byte, error) {
	rc, err := p.blobs.Get(ctx, body.BlobKey)
	if err != nil {
		return nil, fmt.Errorf("ingest: read chunk %s: %w", body.BlobKey, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("ingest: read chunk body %s: %w", body.BlobKey, err)
	}
	return data, nil
}

// publishEmail enqueues one message's raw bytes inline, or spills it to the
// blob store and enqueues a reference, when it exceeds inlineCap.
func (p *Pipeline) publishEmail(ctx context.Context, tenantID, sourceID string, raw []byte) error {
	if len(raw) <= inlineCap {
		return p.q.Publish(ctx, p.emailQueue, queue.TypeEmail, queue.EmailBody{
			SourceID: sourceID, TenantID: tenantID, Raw: raw,
		})
	}

	blobKey := blobstore.EmailBodySpillKey(sourceID, uuid.New().String())
	if err := p.blobs.Put(ctx, blobKey, bytes.NewReader(raw), int64(len(raw))); err != nil {
		return fmt.Errorf("spill oversize email body: %w", err)
	}
	return p.q.Publish(ctx, p.emailQueue, queue.TypeEmailRef, queue.EmailRefBody{
		SourceID: sourceID, TenantID: tenantID, BlobKey: blobKey,
	})
}

// EmailItem is one queue delivery's envelope paired with the function that
// acknowledges it. Using a closure instead of queue.Delivery directly keeps
// the batch handler testable without a live broker connection.
type EmailItem struct {
	Envelope queue.Envelope
	Ack      func() error
}

// EmailGroup is one source's worth of email deliveries pulled off the queue
// in a single batch, ready to resolve and materialize together.
type EmailGroup struct {
	TenantID string
	SourceID string
	Items    []EmailItem
}

// ProcessEmailBatch implements spec.md §4.2's email consumer contract: the
// caller groups deliveries by source_id before calling this; bodies are
// resolved (inline or fetch+delete spill), parsed, and handed to the
// materializer as one group. Every delivery acks once the group finishes,
// regardless of per-message materialization errors, since those are
// captured in the source's failure counters rather than as queue failures.
func (p *Pipeline) ProcessEmailBatch(ctx context.Context, group EmailGroup) error {
	parsed := make([]materializer.ParsedMessage, 0, len(group.Items))
	var failed int

	for _, item := range group.Items {
		raw, err := p.resolveBody(ctx, item.Envelope)
		if err != nil {
			p.logger.Warn("resolve email body failed", "error", err)
			failed++
			continue
		}

		msg, err := emailparse.Parse(raw)
		if err != nil {
			p.logger.Warn("parse email failed", "error", err)
			failed++
			continue
		}

		pm := materializer.ParsedMessage{Message: msg}
		if len(msg.Attachments) > 0 {
			staged, err := p.stageAttachments(ctx, group.TenantID, msg)
			if err != nil {
				p.logger.Warn("stage attachments failed", "message_id", msg.MessageID, "error", err)
			} else {
				pm.Attachments = staged
			}
		}
		parsed = append(parsed, pm)
	}

	result, err := p.materializer.Materialize(ctx, group.TenantID, group.SourceID, parsed)
	if err != nil {
		return fmt.Errorf("ingest: materialize batch: %w", err)
	}

	if _, err := p.progress.RecordBatch(group.TenantID, group.SourceID, result.Processed, result.Failed+failed); err != nil {
		return fmt.Errorf("ingest: record batch progress: %w", err)
	}

	for _, item := range group.Items {
		if err := item.Ack(); err != nil {
			p.logger.Warn("ack delivery failed", "error", err)
		}
	}
	return nil
}

// resolveBody decodes a delivery's envelope into raw message bytes,
// fetching and deleting the spilled blob for process-email-ref deliveries.
func (p *Pipeline) resolveBody(ctx context.Context, env queue.Envelope) ([]byte, error) {
	switch env.Type {
	case queue.TypeEmail:
		var body queue.EmailBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return nil, fmt.Errorf("decode email body: %w", err)
		}
		return body.Raw, nil
	case queue.TypeEmailRef:
		var body queue.EmailRefBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return nil, fmt.Errorf("decode email ref body: %w", err)
		}
		rc, err := p.blobs.Get(ctx, body.BlobKey)
		if err != nil {
			return nil, fmt.Errorf("fetch spilled body %s: %w", body.BlobKey, err)
		}
		defer rc.Close()
		raw, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("read spilled body %s: %w", body.BlobKey, err)
		}
		if err := p.blobs.Delete(ctx, body.BlobKey); err != nil {
			p.logger.Warn("delete spilled body failed", "blob_key", body.BlobKey, "error", err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unexpected envelope type %q", env.Type)
	}
}

func (p *Pipeline) stageAttachments(ctx context.Context, tenantID string, msg *emailparse.Message) ([]materializer.StagedAttachment, error) {
	staged := make([]materializer.StagedAttachment, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		attachmentID := uuid.New().String()
		blobKey := blobstore.AttachmentKey(tenantID, msg.MessageID, attachmentID, a.Filename)
		if err := p.blobs.Put(ctx, blobKey, bytes.NewReader(a.Content), int64(a.Size)); err != nil {
			return nil, fmt.Errorf("write attachment %s: %w", a.Filename, err)
		}
		staged = append(staged, materializer.StagedAttachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        int64(a.Size),
			BlobKey:     blobKey,
		})
	}
	return staged, nil
}
