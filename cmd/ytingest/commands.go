package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"ytingest/fallback"
	"ytingest/ingest"
	"ytingest/storage"
	"ytingest/telemetry"
	"ytingest/youtube"
)

func newFlagSet(name, usage string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ytingest %s\n\nFlags:\n", usage)
		fs.PrintDefaults()
	}
	return fs
}

func (a *app) cmdSource(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: ytingest source add|list|remove")
	}
	switch args[0] {
	case "add":
		return a.cmdSourceAdd(ctx, args[1:])
	case "list", "ls":
		return a.cmdSourceList(ctx, args[1:])
	case "remove", "rm":
		return a.cmdSourceRemove(ctx, args[1:])
	default:
		return fmt.Errorf("unknown source command %q", args[0])
	}
}

func (a *app) cmdSourceAdd(ctx context.Context, args []string) error {
	fs := newFlagSet("source add", "source add [flags] <channel-url>")
	name := fs.String("name", "", "display name (default: the channel title)")
	offline := fs.Bool("offline", false, "register without looking the channel up")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing channel-url")
	}

	channelURL := fs.Arg(0)
	ref, err := youtube.ParseChannelURL(channelURL)
	if err != nil {
		return fmt.Errorf("%s: %w", channelURL, err)
	}
	src := &storage.Source{ChannelURL: channelURL, Name: *name}
	if ref.Kind == youtube.RefChannelID {
		src.ChannelID = ref.Value
	}
	if !*offline {
		if err := a.describeSource(ctx, src); err != nil {
			return quotaHint(err)
		}
	}
	if err := a.store.CreateSource(ctx, src); err != nil {
		return err
	}
	fmt.Println(src.ID)
	return nil
}

// describeSource fills in the channel ID and, when unset, the name of src.
// A channel that does not exist is an error. Any other lookup failure only
// leaves src as given, since the first sync resolves the channel anyway.
func (a *app) describeSource(ctx context.Context, src *storage.Source) error {
	info, err := a.engine.ChannelInfo(ctx, src.ChannelURL)
	var re *youtube.ResolutionError
	switch {
	case errors.Is(err, youtube.ErrChannelNotFound), errors.As(err, &re):
		return fmt.Errorf("%s: %w", src.ChannelURL, err)
	case err != nil:
		a.logger.Warn("channel lookup skipped", "channel_url", src.ChannelURL, "error", err)
		return nil
	}
	src.ChannelID = info.ChannelID
	if src.Name == "" {
		src.Name = info.Title
	}
	return nil
}

func (a *app) cmdSourceList(ctx context.Context, args []string) error {
	fs := newFlagSet("source list", "source list [flags]")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sources, err := a.store.ListSources(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(os.Stdout, sources)
	}
	if len(sources) == 0 {
		fmt.Println("No sources registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCHANNEL URL\tLAST SYNC\tSTATUS")
	for _, s := range sources {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.ID,
			truncate(s.Name, 30),
			truncate(s.ChannelURL, 60),
			formatTime(s.LastSyncAt),
			s.LastSyncStatus,
		)
	}
	return w.Flush()
}

func (a *app) cmdSourceRemove(ctx context.Context, args []string) error {
	fs := newFlagSet("source remove", "source remove <source-id>")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing source-id")
	}
	return a.store.DeleteSource(ctx, fs.Arg(0))
}

func (a *app) cmdSync(ctx context.Context, args []string) error {
	fs := newFlagSet("sync", "sync [flags] <source-id>")
	maxItems := fs.Int("max", 0, "recent items to inspect (default: max_items from config)")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing source-id")
	}

	src, err := a.store.GetSource(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	n := *maxItems
	if n <= 0 {
		n = a.cfg.MaxItems
	}

	out, syncErr := a.engine.SyncChannel(ctx, *src, n)
	a.recordSourceSync(ctx, src, out)
	if out != nil {
		if *asJSON {
			if err := printJSON(os.Stdout, out); err != nil {
				return err
			}
		} else {
			printOutcome(os.Stdout, out)
		}
	}
	return quotaHint(syncErr)
}

func (a *app) cmdSyncAll(ctx context.Context, args []string) error {
	fs := newFlagSet("sync-all", "sync-all [flags]")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	batch, err := a.syncAll(ctx)
	if batch != nil {
		if *asJSON {
			if jerr := printJSON(os.Stdout, batch); jerr != nil {
				return jerr
			}
		} else {
			printBatch(os.Stdout, batch)
		}
	}
	return quotaHint(err)
}

// syncAll runs a batch over every registered source and records the
// per-source results back on the sources.
func (a *app) syncAll(ctx context.Context) (*ingest.BatchOutcome, error) {
	sources, err := a.store.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	list := make([]storage.Source, len(sources))
	byID := make(map[string]*storage.Source, len(sources))
	for i, s := range sources {
		list[i] = *s
		byID[s.ID] = s
	}

	batch, err := a.engine.SyncAll(ctx, list)
	if batch != nil {
		for _, out := range batch.Sources {
			if src, ok := byID[out.SourceID]; ok {
				a.recordSourceSync(ctx, src, out)
			}
		}
	}
	return batch, err
}

func (a *app) cmdQuota(ctx context.Context, args []string) error {
	fs := newFlagSet("quota", "quota [flags]")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := a.engine.QuotaStatus(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(os.Stdout, st)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tEXHAUSTED\tREQUESTS TODAY\tRESETS AT")
	for _, row := range []struct {
		name string
		s    ingest.SlotStatus
	}{{"primary", st.Primary}, {"backup", st.Backup}} {
		fmt.Fprintf(w, "%s\t%t\t%d\t%s\n", row.name, row.s.Exhausted, row.s.RequestsToday, formatTime(row.s.ResetAt))
	}
	return w.Flush()
}

func (a *app) cmdRuns(ctx context.Context, args []string) error {
	fs := newFlagSet("runs", "runs [flags]")
	limit := fs.Int("limit", 20, "number of runs to show (0 = all)")
	showLog := fs.String("log", "", "print the log of the run with this ID")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *showLog != "" {
		run, err := a.store.GetRun(ctx, *showLog)
		if err != nil {
			return err
		}
		if *asJSON {
			return printJSON(os.Stdout, run)
		}
		fmt.Print(run.LogText)
		return nil
	}

	runs, err := a.store.ListRuns(ctx, *limit)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(os.Stdout, runs)
	}
	if len(runs) == 0 {
		fmt.Println("No sync runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSOURCE\tSTATUS\tADDED\tFAILED\tPROCESSED\tSTARTED\tDURATION")
	for _, r := range runs {
		duration := "running"
		if r.Completed() {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.ID, r.SyncType, r.SourceID, r.Status,
			r.ItemsAdded, r.ItemsFailed, r.TotalProcessed,
			formatTime(r.StartedAt), duration,
		)
	}
	return w.Flush()
}

func (a *app) cmdVideos(ctx context.Context, args []string) error {
	fs := newFlagSet("videos", "videos [flags] <video-id>...")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing video-id")
	}

	videos, err := a.engine.VideoInfo(ctx, fs.Args())
	if err != nil {
		return quotaHint(err)
	}
	if *asJSON {
		return printJSON(os.Stdout, videos)
	}
	printVideos(os.Stdout, videos)
	return nil
}

func (a *app) cmdPlaylist(ctx context.Context, args []string) error {
	fs := newFlagSet("playlist", "playlist [flags] <playlist-id>")
	maxItems := fs.Int("max", 0, "entries to list (default: max_items from config)")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing playlist-id")
	}

	items, err := a.engine.PlaylistVideos(ctx, fs.Arg(0), *maxItems)
	if err != nil {
		return quotaHint(err)
	}
	if *asJSON {
		return printJSON(os.Stdout, items)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPUBLISHED\tTITLE")
	for _, it := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\n", it.ExternalID, formatTime(it.PublishedAt), truncate(it.Title, 60))
	}
	return w.Flush()
}

func printVideos(w io.Writer, videos []youtube.VideoDetails) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCHANNEL\tPUBLISHED\tDURATION\tVIEWS\tTITLE")
	for _, v := range videos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			v.VideoID,
			truncate(v.ChannelTitle, 25),
			formatTime(v.PublishedAt),
			v.Duration,
			v.ViewCount,
			truncate(v.Title, 50),
		)
	}
	tw.Flush()
}

func (a *app) cmdCache(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "prune" {
		return errors.New("usage: ytingest cache prune")
	}
	n, err := a.cache.Prune(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d expired entries.\n", n)
	return nil
}

func (a *app) cmdDaemon(ctx context.Context, args []string) error {
	fs := newFlagSet("daemon", "daemon [flags]")
	interval := fs.Duration("interval", a.cfg.SyncInterval.Std(), "time between batch syncs")
	metricsAddr := fs.String("metrics-addr", a.cfg.MetricsAddr, "serve Prometheus metrics on this address")
	otlpEndpoint := fs.String("otlp-endpoint", a.cfg.OTLPEndpoint, "export metrics to this OTLP gRPC collector")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *interval < time.Minute {
		return errors.New("--interval must be at least 1m")
	}

	shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "ytingest",
		ServiceVersion:   version,
		OTLPEndpoint:     *otlpEndpoint,
		EnablePrometheus: *metricsAddr != "",
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	errCh := make(chan error, 1)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.PrometheusHandler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		a.logger.Info("metrics endpoint listening", "address", *metricsAddr)
	}

	a.logger.Info("daemon started", "interval", *interval)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		a.daemonTick(ctx)
		select {
		case <-ctx.Done():
			a.logger.Info("daemon stopping")
			return nil
		case err := <-errCh:
			return fmt.Errorf("metrics server: %w", err)
		case <-ticker.C:
		}
	}
}

// daemonTick runs one scheduled batch. Each batch builds its own fallback
// client, so every tick starts on the primary key.
func (a *app) daemonTick(ctx context.Context) {
	if _, err := a.cache.Prune(ctx); err != nil {
		a.logger.Warn("pruning cache", "error", err)
	}
	batch, err := a.syncAll(ctx)
	var qe *fallback.QuotaExhaustedError
	switch {
	case errors.As(err, &qe):
		skipped := 0
		if batch != nil {
			skipped = len(batch.SkippedDueToQuota)
		}
		a.logger.Warn("batch stopped on quota", "reset_at", qe.ResetAt, "skipped", skipped)
	case err != nil && ctx.Err() == nil:
		a.logger.Error("batch sync failed", "error", err)
	case batch != nil:
		a.logger.Info("batch sync finished", "run_id", batch.RunID, "status", batch.Status, "added", batch.ItemsAdded)
	}
}

func printOutcome(w io.Writer, out *ingest.Outcome) {
	fmt.Fprintf(w, "Run %s: %s\n", out.RunID, out.Status)
	fmt.Fprintf(w, "  channel:   %s\n", out.ChannelID)
	fmt.Fprintf(w, "  added:     %d\n", out.ItemsAdded)
	fmt.Fprintf(w, "  failed:    %d\n", out.ItemsFailed)
	fmt.Fprintf(w, "  processed: %d\n", out.TotalProcessed)
	if out.StoppedEarly {
		fmt.Fprintln(w, "  stopped at the first item already stored")
	}
	for _, f := range out.FailedItems {
		fmt.Fprintf(w, "  ! %s: %s\n", f.URL, f.Error)
	}
}

func printBatch(w io.Writer, b *ingest.BatchOutcome) {
	fmt.Fprintf(w, "Run %s: %s\n", b.RunID, b.Status)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tSTATUS\tADDED\tFAILED\tPROCESSED")
	for _, o := range b.Sources {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", o.SourceID, o.Status, o.ItemsAdded, o.ItemsFailed, o.TotalProcessed)
	}
	tw.Flush()
	for _, e := range b.SourceErrors {
		fmt.Fprintf(w, "  ! %s (%s): %s\n", e.SourceID, e.ChannelURL, e.Error)
	}
	if len(b.SkippedDueToQuota) > 0 {
		fmt.Fprintf(w, "Skipped due to quota: %s\n", strings.Join(b.SkippedDueToQuota, ", "))
	}
}

// quotaHint rewrites a quota exhaustion into a message naming the reset time.
func quotaHint(err error) error {
	var qe *fallback.QuotaExhaustedError
	if errors.As(err, &qe) && !qe.ResetAt.IsZero() {
		return fmt.Errorf("%w (try again after %s)", err, qe.ResetAt.Local().Format(time.DateTime))
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
