package packet

import (
	"fmt"
	"sort"

	"github.com/vinayprograms/packetkit/errors"
)

// Fragment is one ordered chunk of a packet's serialized bytes.
// Data is base64 encoded by encoding/json.
type Fragment struct {
	PacketID string `json:"packet_id"`
	Index    int    `json:"fragment_index"`
	Total    int    `json:"total_fragments"`
	Data     []byte `json:"data"`
}

// Split serializes p once and cuts it into fragments of at most maxFragmentSize bytes.
func Split(p *Packet, maxFragmentSize int) ([]Fragment, error) {
	if maxFragmentSize <= 0 {
		return nil, invalidFragmentSize(maxFragmentSize)
	}
	data, err := p.Serialize()
	if err != nil {
		return nil, err
	}
	return SplitBytes(p.ID(), data, maxFragmentSize)
}

// SplitBytes cuts already serialized packet bytes into fragments.
// Empty input yields a single empty fragment with Total 1.
func SplitBytes(packetID string, data []byte, maxFragmentSize int) ([]Fragment, error) {
	if maxFragmentSize <= 0 {
		return nil, invalidFragmentSize(maxFragmentSize)
	}

	if len(data) == 0 {
		return []Fragment{{PacketID: packetID, Index: 0, Total: 1, Data: []byte{}}}, nil
	}

	total := (len(data) + maxFragmentSize - 1) / maxFragmentSize
	frags := make([]Fragment, 0, total)

	for i := 0; i < total; i++ {
		start := i * maxFragmentSize
		end := start + maxFragmentSize
		if end > len(data) {
			end = len(data)
		}

		// Copy so fragments never alias each other or the caller's buffer
		chunk := make([]byte, end-start)
		copy(chunk, data[start:end])

		frags = append(frags, Fragment{
			PacketID: packetID,
			Index:    i,
			Total:    total,
			Data:     chunk,
		})
	}

	return frags, nil
}

// Reassemble concatenates a complete fragment set back into the serialized packet.
// Order of the input does not matter; gaps, duplicates and mixed sets are rejected.
func Reassemble(frags []Fragment) ([]byte, error) {
	if len(frags) == 0 {
		return nil, errors.InvalidInput("reassemble: no fragments")
	}

	ref := frags[0]
	if ref.Total <= 0 {
		return nil, errors.Newf(errors.ErrCodeCorruption, "reassemble: total_fragments=%d", ref.Total)
	}

	sorted := make([]Fragment, len(frags))
	copy(sorted, frags)
	sort.Slice(sorted, func(a, b int) bool {
		return sorted[a].Index < sorted[b].Index
	})

	size := 0
	for i, f := range sorted {
		if f.PacketID != ref.PacketID || f.Total != ref.Total {
			return nil, errors.New(errors.ErrCodeCorruption,
				"reassemble: fragments disagree on packet_id or total_fragments",
				errors.WithPacketID(ref.PacketID))
		}
		if f.Index != i {
			return nil, errors.New(errors.ErrCodeCorruption,
				fmt.Sprintf("reassemble: expected fragment %d, found %d", i, f.Index),
				errors.WithPacketID(ref.PacketID))
		}
		size += len(f.Data)
	}
	if len(sorted) != ref.Total {
		return nil, errors.New(errors.ErrCodeCorruption,
			fmt.Sprintf("reassemble: have %d of %d fragments", len(sorted), ref.Total),
			errors.WithPacketID(ref.PacketID))
	}

	out := make([]byte, 0, size)
	for _, f := range sorted {
		out = append(out, f.Data...)
	}
	return out, nil
}

func invalidFragmentSize(n int) error {
	return errors.InvalidConfiguration(fmt.Sprintf("max fragment size must be positive, got %d", n),
		errors.WithMetadata("max_fragment_size", fmt.Sprint(n)))
}
