// Package progress tracks ingestion progress for a source: the running
// succeeded/failed tally against the expected message count discovered by
// the chunk parser, and the single conditional update that transitions a
// source to completed once every emitted message has been accounted for.
package progress

import (
	"fmt"

	"github.com/archivesearch/core/internal/relstore"
)

// Tracker wraps the relstore counter/completion primitives into the
// increment-then-try-complete sequence every materialized batch runs.
type Tracker struct {
	store *relstore.Store
}

// New returns a Tracker backed by store.
func New(store *relstore.Store) *Tracker {
	return &Tracker{store: store}
}

// RecordBatch increments a source's succeeded/failed counters by one
// materialized batch's outcome, then attempts the completion transition.
// Returns whether this call's attempt actually completed the source.
func (t *Tracker) RecordBatch(tenantID, sourceID string, succeeded, failed int) (bool, error) {
	if err := t.store.IncrementSourceCounters(tenantID, sourceID, int64(succeeded), int64(failed)); err != nil {
		return false, fmt.Errorf("progress: increment counters: %w", err)
	}
	return t.tryComplete(tenantID, sourceID)
}

// CompleteLastChunk attempts the completion transition after the last chunk
// for a source has finished processing, per spec.md §4.4: if expected is
// still zero at that point, no message was ever discovered in the source
// and it is force-failed with a descriptive error instead.
func (t *Tracker) CompleteLastChunk(tenantID, sourceID string) (bool, error) {
	source, err := t.store.GetSource(tenantID, sourceID)
	if err != nil {
		return false, fmt.Errorf("progress: get source: %w", err)
	}
	if source.Expected == 0 {
		if err := t.store.FailSource(tenantID, sourceID, "no messages discovered in source"); err != nil {
			return false, fmt.Errorf("progress: fail empty source: %w", err)
		}
		return false, nil
	}
	return t.tryComplete(tenantID, sourceID)
}

func (t *Tracker) tryComplete(tenantID, sourceID string) (bool, error) {
	completed, err := t.store.TryCompleteSource(tenantID, sourceID)
	if err != nil {
		return false, fmt.Errorf("progress: try complete: %w", err)
	}
	return completed, nil
}
