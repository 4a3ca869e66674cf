package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"ytingest/fallback"
	"ytingest/storage"
)

// SourceError is a non-fatal failure of one source in a batch.
type SourceError struct {
	SourceID   string `json:"sourceId"`
	ChannelURL string `json:"channelUrl"`
	Error      string `json:"error"`
	Err        error  `json:"-"`
}

// BatchOutcome is the result of SyncAll.
type BatchOutcome struct {
	RunID             string            `json:"runId"`
	Status            storage.RunStatus `json:"status"`
	Processed         []string          `json:"processed"`
	SkippedDueToQuota []string          `json:"skippedDueToQuota,omitempty"`
	ItemsAdded        int               `json:"itemsAdded"`
	ItemsFailed       int               `json:"itemsFailed"`
	TotalProcessed    int               `json:"totalProcessed"`
	SourceErrors      []SourceError     `json:"sourceErrors,omitempty"`
	Sources           []*Outcome        `json:"sources"`
}

// SyncAll syncs sources one at a time under a single bulk_sync run and one
// fallback client. A source that fails for any reason other than quota
// exhaustion is recorded in SourceErrors and the batch moves on. Quota
// exhaustion stops the batch: the remaining sources are listed in
// SkippedDueToQuota and the *fallback.QuotaExhaustedError is returned with
// the outcome.
func (e *Engine) SyncAll(ctx context.Context, sources []storage.Source) (*BatchOutcome, error) {
	yt, err := e.newClient(ctx)
	if err != nil {
		return nil, err
	}

	run := &storage.SyncRun{
		SyncType:  storage.SyncTypeBulk,
		StartedAt: e.now(),
		Metadata: map[string]string{
			"sources":   strconv.Itoa(len(sources)),
			"max_items": strconv.Itoa(e.maxItems),
		},
	}
	if err := e.runs.StartRun(ctx, run); err != nil {
		return nil, fmt.Errorf("starting sync run: %w", err)
	}
	logger := e.logger.With("run_id", run.ID)
	logger.Info("bulk sync started", "sources", len(sources))

	trace := newRunLog(e.now)
	batch := &BatchOutcome{RunID: run.ID, Processed: []string{}, Sources: []*Outcome{}}

	var stopErr error
	for i, src := range sources {
		if err := ctx.Err(); err != nil {
			stopErr = err
			break
		}

		trace.printf("source %s (%d/%d)", src.ID, i+1, len(sources))
		out, err := e.syncSource(ctx, yt, src, e.maxItems, trace)
		batch.Processed = append(batch.Processed, src.ID)
		batch.Sources = append(batch.Sources, out)
		batch.ItemsAdded += out.ItemsAdded
		batch.ItemsFailed += out.ItemsFailed
		batch.TotalProcessed += out.TotalProcessed
		run.FailedItems = append(run.FailedItems, out.FailedItems...)

		if err == nil {
			continue
		}
		batch.SourceErrors = append(batch.SourceErrors, SourceError{
			SourceID:   src.ID,
			ChannelURL: src.ChannelURL,
			Error:      err.Error(),
			Err:        err,
		})
		if errors.Is(err, fallback.ErrQuotaExhausted) {
			for _, rest := range sources[i+1:] {
				batch.SkippedDueToQuota = append(batch.SkippedDueToQuota, rest.ID)
			}
			trace.printf("quota exhausted, skipping %d remaining sources", len(batch.SkippedDueToQuota))
			logger.Warn("bulk sync stopped on quota", "source", src.ID, "skipped", len(batch.SkippedDueToQuota))
			stopErr = err
			break
		}
		logger.Warn("source failed", "source", src.ID, "error", err)
	}

	batch.Status = batchStatus(batch, stopErr)
	run.Status = batch.Status
	run.ItemsAdded = batch.ItemsAdded
	run.ItemsFailed = batch.ItemsFailed
	run.TotalProcessed = batch.TotalProcessed
	run.Metadata["processed"] = strconv.Itoa(len(batch.Processed))
	run.Metadata["source_errors"] = strconv.Itoa(len(batch.SourceErrors))
	if n := len(batch.SkippedDueToQuota); n > 0 {
		run.Metadata["skipped_due_to_quota"] = strconv.Itoa(n)
	}
	e.finishRun(ctx, run, yt, trace, stopErr)

	logger.Info("bulk sync finished", "status", batch.Status, "processed", len(batch.Processed),
		"added", batch.ItemsAdded, "errors", len(batch.SourceErrors))
	return batch, stopErr
}

// batchStatus is failed when no source synced cleanly, partial when some
// did but the batch had errors or stopped early, and success otherwise.
func batchStatus(b *BatchOutcome, stopErr error) storage.RunStatus {
	clean := len(b.Processed) - len(b.SourceErrors)
	switch {
	case len(b.Processed) == 0 && stopErr == nil:
		return storage.RunStatusSuccess
	case stopErr != nil && clean == 0, len(b.Processed) > 0 && clean == 0:
		return storage.RunStatusFailed
	case stopErr != nil, len(b.SourceErrors) > 0, b.ItemsFailed > 0:
		return storage.RunStatusPartial
	}
	return storage.RunStatusSuccess
}
