package sinks

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
	"github.com/JakeFAU/certcatalog-crawler/internal/progress"
)

// ArchivePath returns the blob path holding the event log of a session.
func ArchivePath(sessionID string) string {
	return fmt.Sprintf("sessions/%s/events.jsonl", sessionID)
}

// ArchiveSink buffers events per session as JSON lines and writes them to a
// blob store once the session summary arrives. Sessions still open at Close
// are flushed as they stand.
type ArchiveSink struct {
	blobs  crawler.BlobStore
	logger *zap.Logger

	mu      sync.Mutex
	buffers map[string]*bytes.Buffer
	uris    map[string]string
}

// NewArchiveSink constructs an ArchiveSink.
func NewArchiveSink(blobs crawler.BlobStore, logger *zap.Logger) *ArchiveSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveSink{
		blobs:   blobs,
		logger:  logger.Named("archive_sink"),
		buffers: make(map[string]*bytes.Buffer),
		uris:    make(map[string]string),
	}
}

// Consume appends the batch to the per-session buffers.
func (s *ArchiveSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.blobs == nil {
		return nil
	}
	var finished []string
	s.mu.Lock()
	for _, evt := range batch {
		buf, ok := s.buffers[evt.SessionID]
		if !ok {
			buf = &bytes.Buffer{}
			s.buffers[evt.SessionID] = buf
		}
		line, err := json.Marshal(evt)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("encode event: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
		if evt.Kind == progress.KindSessionSummary {
			finished = append(finished, evt.SessionID)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range finished {
		if err := s.flush(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes every session that has not been archived yet.
func (s *ArchiveSink) Close(ctx context.Context) error {
	if s == nil || s.blobs == nil {
		return nil
	}
	s.mu.Lock()
	ids := make([]string, 0, len(s.buffers))
	for id := range s.buffers {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := s.flush(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// URI returns where the session's log was written, if it has been.
func (s *ArchiveSink) URI(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uri, ok := s.uris[sessionID]
	return uri, ok
}

func (s *ArchiveSink) flush(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	buf, ok := s.buffers[sessionID]
	if ok {
		delete(s.buffers, sessionID)
	}
	s.mu.Unlock()
	if !ok || buf.Len() == 0 {
		return nil
	}

	path := ArchivePath(sessionID)
	uri, err := s.blobs.PutObject(ctx, path, "application/x-ndjson", bytes.NewReader(buf.Bytes()))
	if err != nil {
		// Put the lines back so Close can retry them.
		s.mu.Lock()
		if later, exists := s.buffers[sessionID]; exists {
			buf.Write(later.Bytes())
		}
		s.buffers[sessionID] = buf
		s.mu.Unlock()
		return fmt.Errorf("archive session %s: %w", sessionID, err)
	}
	s.mu.Lock()
	s.uris[sessionID] = uri
	s.mu.Unlock()
	s.logger.Info("session events archived", zap.String("session_id", sessionID), zap.String("uri", uri))
	return nil
}

// ReadArchive decodes a JSON lines event log written by ArchiveSink.
func ReadArchive(r io.Reader) ([]progress.Event, error) {
	var events []progress.Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var evt progress.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return events, nil
}

// LoadArchive fetches and decodes the archived log of a session.
func LoadArchive(ctx context.Context, blobs crawler.BlobSource, sessionID string) ([]progress.Event, error) {
	rc, err := blobs.GetObject(ctx, ArchivePath(sessionID))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer rc.Close() //nolint:errcheck // read-only
	return ReadArchive(rc)
}
