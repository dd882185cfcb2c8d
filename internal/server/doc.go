// Package server builds the crawler's dependency graph from configuration and
// runs it: one-shot sessions for the CLI, and the HTTP API plus the cron
// schedule for serve mode.
package server
