package stream

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
)

// MemoryStream is an in-process append-only log.
// Useful for testing and single-process scenarios.
type MemoryStream struct {
	mu      sync.RWMutex
	entries []Entry
	subs    []*memorySub
	seq     uint64
	closed  atomic.Bool

	bufferSize int
}

type memorySub struct {
	ch chan Entry
}

// NewMemoryStream creates an empty stream. Subscribers get channels of
// bufferSize entries; a full subscriber misses entries rather than blocking
// Append.
func NewMemoryStream(bufferSize int) *MemoryStream {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &MemoryStream{bufferSize: bufferSize}
}

// Append stores one entry and returns its sequence ID.
func (s *MemoryStream) Append(ctx context.Context, fields map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.closed.Load() {
		return "", ErrClosed
	}
	if len(fields) == 0 {
		return "", ErrEmptyEntry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return "", ErrClosed
	}

	s.seq++
	entry := Entry{ID: strconv.FormatUint(s.seq, 10), Fields: copyFields(fields)}
	s.entries = append(s.entries, entry)

	// Sends never block, so holding the lock keeps Close from racing them.
	for _, sub := range s.subs {
		select {
		case sub.ch <- Entry{ID: entry.ID, Fields: copyFields(entry.Fields)}:
		default:
			// Buffer full, drop entry
		}
	}

	return entry.ID, nil
}

// Entries returns a snapshot of every appended entry in order.
func (s *MemoryStream) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = Entry{ID: e.ID, Fields: copyFields(e.Fields)}
	}
	return out
}

// Len returns the number of appended entries.
func (s *MemoryStream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Subscribe returns a channel receiving entries appended from now on.
// The channel is closed when the stream closes.
func (s *MemoryStream) Subscribe() (<-chan Entry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{ch: make(chan Entry, s.bufferSize)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.subs = append(s.subs, sub)

	return sub.ch, nil
}

// Consume feeds entries appended from now on to handler until ctx is done
// or the stream closes. Handler errors are ignored; there is no redelivery.
func (s *MemoryStream) Consume(ctx context.Context, handler Handler) error {
	ch, err := s.Subscribe()
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			_ = handler(ctx, e)
		}
	}
}

// Close closes the stream and all subscriber channels.
func (s *MemoryStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		close(sub.ch)
	}
	s.subs = nil
	return nil
}
