package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/archivesearch/core/internal/config"
	"github.com/archivesearch/core/internal/ingest"
	"github.com/archivesearch/core/internal/queue"
)

// runChunkConsumer drains the chunk queue one delivery at a time. Chunks of
// the same source must be processed in order (each chunk's handler enqueues
// the next), so this loop never fans out concurrently across deliveries.
func runChunkConsumer(ctx context.Context, q *queue.Queue, cfg *config.Config, pipeline *ingest.Pipeline, logger *slog.Logger) error {
	deliveries, err := queue.Consume(ctx, q, cfg.Queue.ChunkQueue, "ingestworker-chunk")
	if err != nil {
		return fmt.Errorf("consume chunk queue: %w", err)
	}

	for d := range deliveries {
		var body queue.ChunkBody
		if err := json.Unmarshal(d.Envelope.Body, &body); err != nil {
			logger.Error("decode chunk body failed", "error", err)
			d.Nack(false)
			continue
		}

		if err := pipeline.ProcessChunk(ctx, body); err != nil {
			logger.Error("process chunk failed", "error", err, "source_id", body.SourceID, "index", body.Index)
			d.Nack(d.RetryCount() < cfg.Queue.MaxRetries)
			continue
		}
		if err := d.Ack(); err != nil {
			logger.Warn("ack chunk delivery failed", "error", err)
		}
	}
	return ctx.Err()
}

// runEmailConsumer groups email deliveries by (tenant, source) and hands
// every buffered group to ProcessEmailBatch once the total number of
// buffered deliveries reaches cfg.Queue.BatchSize, or once
// cfg.Queue.ConsumeTimeout elapses since the previous flush, matching the
// batching contract ProcessEmailBatch documents.
func runEmailConsumer(ctx context.Context, q *queue.Queue, cfg *config.Config, pipeline *ingest.Pipeline, logger *slog.Logger) error {
	deliveries, err := queue.Consume(ctx, q, cfg.Queue.EmailQueue, "ingestworker-email")
	if err != nil {
		return fmt.Errorf("consume email queue: %w", err)
	}

	timeout := time.Duration(cfg.Queue.ConsumeTimeout) * time.Second
	groups := newEmailGroups()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	flush := func() {
		groups.flushAll(ctx, pipeline, cfg.Queue.MaxRetries, logger)
		timer.Reset(timeout)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				flush()
				return nil
			}
			tenantID, sourceID, err := sourceOf(d.Envelope)
			if err != nil {
				logger.Error("undecodable email delivery", "error", err)
				d.Nack(false)
				continue
			}
			groups.add(tenantID, sourceID, d)
			if groups.count() >= cfg.Queue.BatchSize {
				flush()
			}
		case <-timer.C:
			flush()
		}
	}
}

// sourceOf extracts the tenant and source id from an email envelope without
// fully decoding it, so the grouping key is known before a batch resolves
// spilled bodies.
func sourceOf(env queue.Envelope) (tenantID, sourceID string, err error) {
	switch env.Type {
	case queue.TypeEmail:
		var body queue.EmailBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return "", "", err
		}
		return body.TenantID, body.SourceID, nil
	case queue.TypeEmailRef:
		var body queue.EmailRefBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return "", "", err
		}
		return body.TenantID, body.SourceID, nil
	default:
		return "", "", fmt.Errorf("unexpected envelope type %q", env.Type)
	}
}

type groupKey struct {
	tenantID string
	sourceID string
}

// emailGroups accumulates queue.Delivery values under their (tenant,
// source) key until flushed, keeping the original deliveries around so a
// failed batch can be nacked individually.
type emailGroups struct {
	byKey map[groupKey][]queue.Delivery
	n     int
}

func newEmailGroups() *emailGroups {
	return &emailGroups{byKey: make(map[groupKey][]queue.Delivery)}
}

func (g *emailGroups) add(tenantID, sourceID string, d queue.Delivery) {
	k := groupKey{tenantID, sourceID}
	g.byKey[k] = append(g.byKey[k], d)
	g.n++
}

func (g *emailGroups) count() int { return g.n }

func (g *emailGroups) flushAll(ctx context.Context, pipeline *ingest.Pipeline, maxRetries int, logger *slog.Logger) {
	for k, deliveries := range g.byKey {
		items := make([]ingest.EmailItem, len(deliveries))
		for i, d := range deliveries {
			d := d
			items[i] = ingest.EmailItem{Envelope: d.Envelope, Ack: d.Ack}
		}

		err := pipeline.ProcessEmailBatch(ctx, ingest.EmailGroup{
			TenantID: k.tenantID,
			SourceID: k.sourceID,
			Items:    items,
		})
		if err != nil {
			logger.Error("process email batch failed", "error", err, "tenant_id", k.tenantID, "source_id", k.sourceID)
			for _, d := range deliveries {
				d.Nack(d.RetryCount() < maxRetries)
			}
		}
	}
	g.byKey = make(map[groupKey][]queue.Delivery)
	g.n = 0
}
