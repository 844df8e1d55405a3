package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryStream_Append(t *testing.T) {
	s := NewMemoryStream(0)
	defer s.Close()

	id1, err := s.Append(context.Background(), map[string]string{MessageField: "a"})
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
	id2, _ := s.Append(context.Background(), map[string]string{MessageField: "b"})

	if id1 != "1" || id2 != "2" {
		t.Errorf("ids = %q, %q, want 1, 2", id1, id2)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}

	entries := s.Entries()
	msg, err := entries[1].Message()
	if err != nil {
		t.Fatalf("Message error: %v", err)
	}
	if string(msg) != "b" {
		t.Errorf("message = %q, want %q", msg, "b")
	}
}

func TestMemoryStream_CopiesFields(t *testing.T) {
	s := NewMemoryStream(0)
	defer s.Close()

	fields := map[string]string{MessageField: "original"}
	s.Append(context.Background(), fields)
	fields[MessageField] = "mutated"

	entries := s.Entries()
	entries[0].Fields[MessageField] = "also mutated"

	if got := s.Entries()[0].Fields[MessageField]; got != "original" {
		t.Errorf("stored message = %q, want %q", got, "original")
	}
}

func TestMemoryStream_Errors(t *testing.T) {
	s := NewMemoryStream(0)

	if _, err := s.Append(context.Background(), nil); !errors.Is(err, ErrEmptyEntry) {
		t.Errorf("empty Append error = %v, want ErrEmptyEntry", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Append(ctx, map[string]string{MessageField: "x"}); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled Append error = %v, want context.Canceled", err)
	}

	s.Close()
	if _, err := s.Append(context.Background(), map[string]string{MessageField: "x"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Append after Close error = %v, want ErrClosed", err)
	}
	if _, err := s.Subscribe(); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after Close error = %v, want ErrClosed", err)
	}
	// Double close is fine
	if err := s.Close(); err != nil {
		t.Errorf("second Close error: %v", err)
	}
}

func TestMemoryStream_Subscribe(t *testing.T) {
	s := NewMemoryStream(4)

	ch, err := s.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	s.Append(context.Background(), map[string]string{MessageField: "hello"})

	select {
	case e := <-ch:
		if e.ID != "1" || e.Fields[MessageField] != "hello" {
			t.Errorf("entry = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for entry")
	}

	s.Close()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Close")
	}
}

func TestMemoryStream_Consume(t *testing.T) {
	s := NewMemoryStream(0)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Entry, 1)
	done := make(chan error, 1)
	ready := make(chan struct{})
	go func() {
		close(ready)
		done <- s.Consume(ctx, func(_ context.Context, e Entry) error {
			got <- e
			return nil
		})
	}()
	<-ready

	// Consume subscribes asynchronously; keep appending until it lands.
	deadline := time.After(2 * time.Second)
	for {
		s.Append(context.Background(), map[string]string{MessageField: "x"})
		select {
		case <-got:
			cancel()
			if err := <-done; err != nil {
				t.Errorf("Consume returned %v", err)
			}
			return
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("timeout waiting for Consume")
		}
	}
}

func TestMemoryStream_Concurrent(t *testing.T) {
	s := NewMemoryStream(0)
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Append(context.Background(), map[string]string{MessageField: "x"})
			}
		}()
	}
	wg.Wait()

	if s.Len() != 1000 {
		t.Errorf("Len() = %d, want 1000", s.Len())
	}
	seen := make(map[string]bool)
	for _, e := range s.Entries() {
		if seen[e.ID] {
			t.Fatalf("duplicate id %s", e.ID)
		}
		seen[e.ID] = true
	}
}
