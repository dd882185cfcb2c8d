// Package progress is the crawl's event channel: the structured event schema,
// a non-blocking batching Hub, and the Sink/Emitter seams. Events are
// fire-and-forget observability; nothing that steers the crawl waits on them.
package progress
