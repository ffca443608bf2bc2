package audit

import (
	"log/slog"
	"sync"
)

// MemorySink is a transient sink for testing.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a snapshot of recorded events in emission order.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Kinds returns the kinds of recorded events in emission order.
func (s *MemorySink) Kinds() []Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Kind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

// AsyncSink decouples emitters from a slow downstream sink. Emit never
// blocks and never drops: events queue in memory until the worker drains
// them, preserving emission order.
type AsyncSink struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	done   chan struct{}
	next   Sink
}

// NewAsyncSink starts the delivery worker for next.
func NewAsyncSink(next Sink) *AsyncSink {
	s := &AsyncSink{next: next, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *AsyncSink) Emit(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		for _, ev := range batch {
			s.next.Emit(ev)
		}
		if closed {
			return
		}
	}
}

// Close drains the queue and stops the worker. Emit calls after Close are
// discarded.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cond.Signal()
	<-s.done
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// SlogSink mirrors events onto a structured logger at a level derived from
// the event severity.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Emit(ev Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"kind", string(ev.Kind), "module", ev.Module}
	for k, v := range ev.Detail {
		attrs = append(attrs, k, v)
	}
	switch ev.Severity {
	case SeverityFault, SeverityError:
		logger.Error("security event", attrs...)
	case SeverityDefault:
		logger.Warn("security event", attrs...)
	default:
		logger.Info("security event", attrs...)
	}
}
