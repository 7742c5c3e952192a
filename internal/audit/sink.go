// Package audit provides the asynchronous audit-log writer.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// DefaultBufferSize is the number of entries held before Append drops.
const DefaultBufferSize = 256

// Sink buffers audit entries and writes them to an AuditStore from a
// single background goroutine. Append never blocks.
type Sink struct {
	store   domain.AuditStore
	entries chan *domain.AuditEntry
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewSink starts a sink writing to store.
func NewSink(store domain.AuditStore, bufferSize int) *Sink {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	s := &Sink{
		store:   store,
		entries: make(chan *domain.AuditEntry, bufferSize),
		logger:  slog.Default().With("component", "audit"),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Append queues entry. When the buffer is full or the sink is closed the
// entry is dropped with a warning.
func (s *Sink) Append(_ context.Context, entry *domain.AuditEntry) {
	if entry == nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logger.Warn("audit sink closed, dropping entry", "action", entry.ActionType, "entity_id", entry.EntityID)
		return
	}

	select {
	case s.entries <- entry:
	default:
		s.logger.Warn("audit buffer full, dropping entry", "action", entry.ActionType, "entity_id", entry.EntityID)
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for entry := range s.entries {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.store.AppendAudit(ctx, entry); err != nil {
			s.logger.Warn("failed to write audit entry",
				"action", entry.ActionType,
				"entity_type", entry.EntityType,
				"entity_id", entry.EntityID,
				"error", err,
			)
		}
		cancel()
	}
}

// Close stops accepting entries and waits for queued ones to be written.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	close(s.entries)
	s.mu.Unlock()

	<-s.done
	return nil
}

// Discard is an AuditSink that drops everything.
type Discard struct{}

// Append does nothing.
func (Discard) Append(context.Context, *domain.AuditEntry) {}
