package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"ytingest/fallback"
	"ytingest/storage"
	"ytingest/telemetry"
	"ytingest/youtube"
)

// Outcome is the result of syncing one source.
type Outcome struct {
	RunID          string               `json:"runId,omitempty"`
	SourceID       string               `json:"sourceId"`
	ChannelID      string               `json:"channelId,omitempty"`
	Status         storage.RunStatus    `json:"status"`
	ItemsAdded     int                  `json:"itemsAdded"`
	ItemsFailed    int                  `json:"itemsFailed"`
	TotalProcessed int                  `json:"totalProcessed"`
	StoppedEarly   bool                 `json:"stoppedEarly"`
	FailedItems    []storage.FailedItem `json:"failedItems,omitempty"`
}

// SyncChannel syncs one source and records a single_source run.
// maxItems <= 0 selects youtube.DefaultMaxItems.
//
// Per-item persist failures are collected in the outcome and do not stop
// the scan. Channel-level failures (resolution, listing, quota exhaustion,
// an unavailable store) end the run with status failed and are returned
// together with the outcome.
func (e *Engine) SyncChannel(ctx context.Context, src storage.Source, maxItems int) (*Outcome, error) {
	yt, err := e.newClient(ctx)
	if err != nil {
		return nil, err
	}
	if maxItems <= 0 {
		maxItems = youtube.DefaultMaxItems
	}

	run := &storage.SyncRun{
		SourceID:  src.ID,
		SyncType:  storage.SyncTypeSingleSource,
		StartedAt: e.now(),
		Metadata: map[string]string{
			"channel_url": src.ChannelURL,
			"max_items":   strconv.Itoa(maxItems),
		},
	}
	if err := e.runs.StartRun(ctx, run); err != nil {
		return nil, fmt.Errorf("starting sync run: %w", err)
	}

	trace := newRunLog(e.now)
	logger := e.logger.With("run_id", run.ID, "source", src.ID)
	logger.Info("sync started", "channel_url", src.ChannelURL)

	out, syncErr := e.syncSource(ctx, yt, src, maxItems, trace)
	out.RunID = run.ID

	run.Status = out.Status
	run.ItemsAdded = out.ItemsAdded
	run.ItemsFailed = out.ItemsFailed
	run.TotalProcessed = out.TotalProcessed
	run.FailedItems = out.FailedItems
	if out.ChannelID != "" {
		run.Metadata["channel_id"] = out.ChannelID
	}
	e.finishRun(ctx, run, yt, trace, syncErr)

	if syncErr != nil {
		logger.Warn("sync failed", "error", syncErr)
	} else {
		logger.Info("sync finished", "status", out.Status, "added", out.ItemsAdded, "failed", out.ItemsFailed)
	}
	return out, syncErr
}

// finishRun completes run. Recording happens even after ctx is canceled so
// the audit trail covers aborted runs.
func (e *Engine) finishRun(ctx context.Context, run *storage.SyncRun, yt *youtube.Client, trace *runLog, runErr error) {
	if runErr != nil {
		run.Metadata["error"] = runErr.Error()
		var qe *fallback.QuotaExhaustedError
		if errors.As(runErr, &qe) {
			run.Metadata["quota_reset_at"] = qe.ResetAt.UTC().Format(time.RFC3339)
		}
	}
	run.Metadata["key_state"] = yt.Fallback().State().String()
	run.LogText = trace.String()
	run.CompletedAt = e.now()

	telemetry.RecordSyncRun(ctx, string(run.SyncType), string(run.Status), run.CompletedAt.Sub(run.StartedAt))
	if err := e.runs.CompleteRun(context.WithoutCancel(ctx), run); err != nil {
		e.logger.Error("recording sync run", "run_id", run.ID, "error", err)
	}
}

// syncSource performs the sync algorithm without recording a run. The
// returned outcome is never nil.
func (e *Engine) syncSource(ctx context.Context, yt *youtube.Client, src storage.Source, maxItems int, trace *runLog) (*Outcome, error) {
	out := &Outcome{SourceID: src.ID, Status: storage.RunStatusSuccess}
	// A channel-level error is a failed run only while nothing from the
	// listing has been handled yet. After that the run is partial.
	fail := func(err error) (*Outcome, error) {
		out.Status = storage.RunStatusFailed
		if out.ItemsAdded+out.ItemsFailed > 0 {
			out.Status = storage.RunStatusPartial
		}
		trace.printf("error: %v", err)
		return out, err
	}

	trace.printf("resolving %s", src.ChannelURL)
	channelID, err := youtube.NewResolver(yt).Resolve(ctx, src.ChannelURL)
	if err != nil {
		return fail(err)
	}
	out.ChannelID = channelID

	items, err := yt.RecentItems(ctx, channelID, maxItems)
	if err != nil {
		return fail(err)
	}
	trace.printf("listed %d recent items for %s", len(items), channelID)

	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		out.TotalProcessed++
		trace.item(dispositionAttempt, it.CanonicalURL, it.Title)
		telemetry.RecordSyncItem(ctx, dispositionAttempt)

		exists, err := e.content.ItemExists(ctx, src.ID, it.CanonicalURL)
		if err != nil {
			return fail(fmt.Errorf("checking %s: %w", it.CanonicalURL, err))
		}
		// Listings are newest first, so a known item means everything after
		// it is known too. Uploads backfilled behind it are not seen.
		if exists {
			trace.item(dispositionExists, it.CanonicalURL, it.Title)
			telemetry.RecordSyncItem(ctx, dispositionExists)
			out.StoppedEarly = true
			break
		}

		if err := e.content.CreateItem(ctx, newItem(src.ID, it)); err != nil {
			out.ItemsFailed++
			out.FailedItems = append(out.FailedItems, storage.FailedItem{
				Title: it.Title,
				URL:   it.CanonicalURL,
				Error: err.Error(),
			})
			trace.item(dispositionFailed, it.CanonicalURL, it.Title)
			telemetry.RecordSyncItem(ctx, dispositionFailed)
			e.logger.Warn("persisting item", "source", src.ID, "item", it.CanonicalURL, "error", err)
			continue
		}
		out.ItemsAdded++
		trace.item(dispositionAdded, it.CanonicalURL, it.Title)
		telemetry.RecordSyncItem(ctx, dispositionAdded)
	}

	if out.ItemsFailed > 0 {
		out.Status = storage.RunStatusPartial
	}
	trace.printf("done: %d added, %d failed, %d processed", out.ItemsAdded, out.ItemsFailed, out.TotalProcessed)
	return out, nil
}

func newItem(sourceID string, it youtube.RemoteItem) *storage.Item {
	return &storage.Item{
		SourceID:     sourceID,
		ExternalID:   it.ExternalID,
		Title:        it.Title,
		Description:  it.Description,
		ThumbnailURL: it.ThumbnailURL,
		URL:          it.CanonicalURL,
		PublishedAt:  it.PublishedAt,
	}
}
