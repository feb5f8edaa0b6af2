// Package cmd implements the jobcrawler command line.
//
// Architecture overview:
//   - serve: internal/server wires the HTTP API (internal/api) to the task
//     manager (internal/task). Submitted crawls are stored as pending tasks,
//     queued on a bounded in-memory queue and run by a fixed worker pool
//     sized by task.concurrency. Each run is bounded by task.timeout.
//   - crawl: runs one crawl in the foreground with the same executor and
//     writes jobs_<timestamp>.csv.
//   - Fetch pipeline: the request generator expands keywords and pages into
//     search URLs; the Colly fetcher retrieves each JSON page under a per-host
//     rate limiter and retry policy; the listing normalizer maps raw listings
//     to canonical records.
//   - Persistence: task records live in memory or Redis, CSV artifacts in
//     memory, a local directory or GCS. Records can be archived to Postgres
//     and terminal tasks announced on Pub/Sub.
//
// Configuration comes from Viper (file given by --config, JOBCRAWLER_*
// environment variables, then defaults); zap provides structured logging and
// Prometheus metrics are served on /metrics.
package cmd
