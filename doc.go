// Package ytingest syncs the recent uploads of registered YouTube channels
// into a local content store through the YouTube Data API v3.
//
// Overview
//
// Every remote call is charged against one of two API keys. A primary key is
// used until its daily quota runs out, then the backup key, and once both are
// exhausted calls are answered from the response cache or fail with a
// *fallback.QuotaExhaustedError that carries the time the quota resets
// (midnight America/Los_Angeles).
//
// The main packages are:
//
//   - quota: per-key usage and exhaustion state (memory, bbolt or Postgres)
//   - cache: response cache with per-operation TTLs
//   - fallback: the primary/backup/exhausted key state machine
//   - youtube: Data API calls and channel URL resolution
//   - ingest: single-channel and batch sync with run recording
//   - storage: the JSON file content store
//   - credentials: API key providers
//   - config: YAML and environment configuration
//
// Quick Start
//
//	tracker := quota.NewTracker(quota.NewMemoryStore())
//	respCache := cache.New(cache.NewMemoryStore())
//	store, err := storage.NewJSONStore(ctx, "store.json")
//	if err != nil {
//		log.Fatal(err)
//	}
//	engine := ingest.New(youtube.NewAPI(), tracker, store, store, credentials.NewEnvProvider(),
//		ingest.WithCache(respCache))
//
//	src := &storage.Source{ChannelURL: "https://www.youtube.com/@GoogleDevelopers"}
//	if err := store.CreateSource(ctx, src); err != nil {
//		log.Fatal(err)
//	}
//	out, err := engine.SyncChannel(ctx, *src, 50)
//
// Error Handling
//
// Quota exhaustion is checked with errors.Is:
//
//	if errors.Is(err, ytingest.ErrQuotaExhausted) {
//		var qe *ytingest.QuotaExhaustedError
//		errors.As(err, &qe)
//		fmt.Println("quota resets at", qe.ResetAt)
//	}
//
// Configuration
//
// The ytingest command reads ytingest.yaml from the working directory or
// ~/.config/ytingest, then YTINGEST_* environment variables. API keys come
// from YTINGEST_API_KEY and YTINGEST_BACKUP_API_KEY unless credentials_file
// names a credentials template.
package ytingest
