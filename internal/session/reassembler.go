package session

import (
	"github.com/fbion/dnscat2/internal/util"
)

// Reassembler reorders out-of-order MSG data within a single session.
// Sequence numbers are 16-bit byte offsets and wrap around, so positions are
// compared by signed distance from the next expected offset. It is used only
// from the driver's polling goroutine and needs no locking.
type Reassembler struct {
	expected uint16            // next byte offset we can deliver
	chunks   map[uint16][]byte // future chunks keyed by their starting offset
}

// NewReassembler creates a reassembler expecting the peer's initial
// sequence number.
func NewReassembler(isn uint16) *Reassembler {
	return &Reassembler{expected: isn, chunks: make(map[uint16][]byte)}
}

// Expected returns the next byte offset the reassembler can accept, which
// is also the acknowledgment value to send to the peer.
func (r *Reassembler) Expected() uint16 {
	return r.expected
}

// Feed processes one incoming chunk and returns every chunk that can now be
// delivered in order. Duplicate and already-delivered bytes are discarded
// idempotently; a chunk overlapping the delivery point contributes only its
// new tail.
func (r *Reassembler) Feed(seq uint16, data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}

	delta := seq - r.expected // u16 arithmetic; >= 0x8000 means "behind us"

	switch {
	case delta == 0:
		// In order.

	case delta < 0x8000:
		// Future chunk — buffer it until the gap is filled.
		if _, dup := r.chunks[seq]; !dup {
			r.chunks[seq] = append([]byte(nil), data...)
		}
		return nil

	default:
		// Starts behind the delivery point. Usually a retransmitted
		// duplicate; deliver only the part we have not seen yet.
		behind := r.expected - seq
		if int(behind) >= len(data) {
			util.LogDebug("session: duplicate chunk at seq %d (expected %d), ignoring", seq, r.expected)
			return nil
		}
		data = data[behind:]
	}

	result := [][]byte{data}
	r.expected += uint16(len(data))

	// Drain buffered chunks the advance has reached, and purge the ones it
	// has sailed past: a stale chunk kept around would resurface as fresh
	// data once the sequence space wraps.
	for {
		advanced := false
		for seq, chunk := range r.chunks {
			behind := r.expected - seq
			if behind >= 0x8000 {
				continue // still in the future
			}
			delete(r.chunks, seq)
			if int(behind) >= len(chunk) {
				continue // fully delivered already
			}
			chunk = chunk[behind:]
			result = append(result, chunk)
			r.expected += uint16(len(chunk))
			advanced = true
		}
		if !advanced {
			break
		}
	}

	return result
}
