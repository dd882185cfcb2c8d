// Package main hosts the certcrawler command.
//
// Architecture overview:
//   - crawl: builds one session against the configured catalog, runs it in the foreground and exits non-zero
//     when the session fails, is cancelled, or reports mismatch flags.
//   - verify: audits the record store for slot consistency. With --events it also replays a session's archived
//     event log through the consistency validator.
//   - serve: runs the HTTP API (health, metrics, session control, run history) and the optional cron schedule
//     until SIGINT/SIGTERM.
//
// Configuration comes from an optional YAML file (--config) and CERTCRAWL_* environment variables. A .env file in
// the working directory is loaded first when present.
package main
