package receiver

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/vinayprograms/packetkit/errors"
	"github.com/vinayprograms/packetkit/packet"
)

// Assembler buffers fragment sequences until they are complete.
// It is safe for concurrent use.
type Assembler struct {
	mu         sync.Mutex
	pending    map[string]*sequence
	ttl        time.Duration
	maxPending int
	now        func() time.Time
}

type sequence struct {
	total   int
	frags   map[int]packet.Fragment
	started time.Time
}

// NewAssembler creates an assembler. Sequences idle longer than ttl are
// dropped; at most maxPending sequences are buffered at once.
func NewAssembler(ttl time.Duration, maxPending int) *Assembler {
	return &Assembler{
		pending:    make(map[string]*sequence),
		ttl:        ttl,
		maxPending: maxPending,
		now:        time.Now,
	}
}

// Add buffers one fragment. When it completes its sequence, Add returns the
// reassembled bytes and true.
//
// A fragment whose total disagrees with the buffered sequence, or that
// repeats an index with different data, aborts the sequence with
// CORRUPTION. A repeated index with identical data is ignored.
func (a *Assembler) Add(f packet.Fragment) ([]byte, bool, error) {
	if f.PacketID == "" {
		return nil, false, errors.InvalidInput("fragment has no packet_id")
	}
	if f.Total < 1 || f.Index < 0 || f.Index >= f.Total {
		return nil, false, errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("fragment index %d out of range for total %d", f.Index, f.Total),
			errors.WithPacketID(f.PacketID),
		)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.pruneLocked()

	seq, ok := a.pending[f.PacketID]
	switch {
	case !ok:
		if a.maxPending > 0 && len(a.pending) >= a.maxPending {
			return nil, false, errors.New(errors.ErrCodeResourceBusy, "too many fragment sequences in flight",
				errors.WithPacketID(f.PacketID),
				errors.WithMetadata("max_pending", strconv.Itoa(a.maxPending)),
			)
		}
		seq = &sequence{
			total:   f.Total,
			frags:   make(map[int]packet.Fragment, f.Total),
			started: a.now(),
		}
		a.pending[f.PacketID] = seq

	case seq.total != f.Total:
		delete(a.pending, f.PacketID)
		return nil, false, errors.New(errors.ErrCodeCorruption, "fragment total changed mid-sequence",
			errors.WithPacketID(f.PacketID),
		)
	}

	if prev, dup := seq.frags[f.Index]; dup {
		if bytes.Equal(prev.Data, f.Data) {
			return nil, false, nil
		}
		delete(a.pending, f.PacketID)
		return nil, false, errors.New(errors.ErrCodeCorruption, "conflicting data for fragment index",
			errors.WithPacketID(f.PacketID),
			errors.WithMetadata("index", strconv.Itoa(f.Index)),
		)
	}

	f.Data = append([]byte(nil), f.Data...)
	seq.frags[f.Index] = f

	if len(seq.frags) < seq.total {
		return nil, false, nil
	}

	delete(a.pending, f.PacketID)

	frags := make([]packet.Fragment, 0, len(seq.frags))
	for _, fr := range seq.frags {
		frags = append(frags, fr)
	}
	sort.Slice(frags, func(i, j int) bool { return frags[i].Index < frags[j].Index })

	data, err := packet.Reassemble(frags)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Pending returns the number of buffered sequences.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Prune drops expired sequences and returns how many were dropped.
func (a *Assembler) Prune() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pruneLocked()
}

func (a *Assembler) pruneLocked() int {
	if a.ttl <= 0 {
		return 0
	}
	cutoff := a.now().Add(-a.ttl)
	n := 0
	for id, seq := range a.pending {
		if seq.started.Before(cutoff) {
			delete(a.pending, id)
			n++
		}
	}
	return n
}
