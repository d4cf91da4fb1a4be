// Package audit writes the optimization event trail to an append-only
// msgpack file and reads it back.
package audit

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/longregen/promptloop/internal/domain/models"
)

// FileSink appends every event it receives as one msgpack value. It is an
// event listener and is safe for concurrent use.
type FileSink struct {
	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	enc    *msgpack.Encoder
	logger *zap.Logger
	closed bool
}

// OpenFileSink opens path for appending, creating it if needed.
func OpenFileSink(path string, logger *zap.Logger) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	buf := bufio.NewWriter(f)
	enc := msgpack.NewEncoder(buf)
	return &FileSink{file: f, buf: buf, enc: enc, logger: logger}, nil
}

func (s *FileSink) OnEvent(_ context.Context, e models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := s.enc.Encode(&e); err != nil {
		s.logger.Error("failed to encode audit event", zap.String("event_id", e.ID), zap.Error(err))
		return nil
	}
	// flush at run boundaries so a crash loses at most one run's tail
	if e.Type == models.EventRunCompleted {
		if err := s.buf.Flush(); err != nil {
			s.logger.Error("failed to flush audit file", zap.Error(err))
		}
	}
	return nil
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	flushErr := s.buf.Flush()
	closeErr := s.file.Close()
	return errors.Join(flushErr, closeErr)
}

// ReadFile decodes every event in an audit file, in write order.
func ReadFile(path string) ([]models.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads msgpack events from r until EOF.
func Decode(r io.Reader) ([]models.Event, error) {
	dec := msgpack.NewDecoder(bufio.NewReader(r))

	var events []models.Event
	for {
		var e models.Event
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, fmt.Errorf("audit record %d: %w", len(events)+1, err)
		}
		events = append(events, e)
	}
}

// FilterRun keeps the events of one run; an empty runID keeps everything.
func FilterRun(events []models.Event, runID string) []models.Event {
	if runID == "" {
		return events
	}
	out := make([]models.Event, 0, len(events))
	for _, e := range events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}
