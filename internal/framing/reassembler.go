package framing

import "fmt"

// Reassembler rebuilds chunked messages. Chunks may arrive in any order;
// each in-progress message is keyed by its random message id and holds a
// buffer of the declared total length. Buffers for messages that never
// complete are only reclaimed when their id is reused, which the random
// 32-bit id space makes vanishingly rare; the transport tears the whole
// reassembler down with the peer.
//
// The header carries no chunk stride, and the sender's message-size limit
// need not match the receiver's. Every chunk except the final one carries
// exactly one stride of payload, so the stride is inferred from the first
// non-final chunk seen; a final chunk arriving before that is parked until
// a sibling reveals the stride.
//
// Not safe for concurrent use; the owning peer serializes access.
type Reassembler struct {
	pending map[uint32]*partialMessage
}

type partialMessage struct {
	buf     []byte
	written int
	seen    map[uint16]bool

	// stride is the sender's per-chunk payload size; zero until learned.
	stride int

	// A final chunk that arrived while the stride was still unknown.
	deferredLast []byte
	deferredSeq  uint16
	hasDeferred  bool
}

func NewReassembler() *Reassembler {
	return &Reassembler{
		pending: make(map[uint32]*partialMessage),
	}
}

// Accept consumes one chunk. When the chunk completes its message the
// assembled payload is returned with done=true and the buffer is released.
func (r *Reassembler) Accept(msg []byte) (payload []byte, done bool, err error) {
	h, raw, err := DecodeChunk(msg)
	if err != nil {
		return nil, false, err
	}

	p, ok := r.pending[h.MessageID]
	if !ok {
		p = &partialMessage{
			buf:  make([]byte, h.TotalLen),
			seen: make(map[uint16]bool),
		}
		r.pending[h.MessageID] = p
	} else if len(p.buf) != int(h.TotalLen) {
		delete(r.pending, h.MessageID)
		return nil, false, fmt.Errorf("%w: message %d", ErrTotalMismatch, h.MessageID)
	}

	if err := p.place(h, raw); err != nil {
		delete(r.pending, h.MessageID)
		return nil, false, err
	}

	if p.hasDeferred && p.stride != 0 {
		deferred := p.deferredLast
		seq := p.deferredSeq
		p.hasDeferred = false
		p.deferredLast = nil
		dh := Header{MessageID: h.MessageID, Seq: seq, Last: true, TotalLen: h.TotalLen}
		if err := p.place(dh, deferred); err != nil {
			delete(r.pending, h.MessageID)
			return nil, false, err
		}
	}

	if p.written < len(p.buf) {
		return nil, false, nil
	}
	delete(r.pending, h.MessageID)
	return p.buf, true, nil
}

// place writes one chunk into the message buffer, learning or checking the
// stride along the way.
func (p *partialMessage) place(h Header, raw []byte) error {
	if h.Last && h.Seq == 0 && p.stride == 0 {
		// Single-chunk message: the whole payload sits at offset zero.
		if len(raw) < len(p.buf) {
			return fmt.Errorf("%w: seq 0 carries %d bytes, want %d", ErrChunkBounds, len(raw), len(p.buf))
		}
		p.write(0, 0, raw[:len(p.buf)])
		return nil
	}

	if !h.Last {
		stride := len(raw)
		if stride == 0 || stride%4 != 0 {
			return fmt.Errorf("%w: non-final chunk carries %d bytes", ErrChunkBounds, len(raw))
		}
		switch {
		case p.stride == 0:
			p.stride = stride
		case p.stride != stride:
			return fmt.Errorf("%w: %d then %d", ErrStrideMismatch, p.stride, stride)
		}
	} else if p.stride == 0 {
		if p.hasDeferred {
			if p.deferredSeq == h.Seq {
				return nil
			}
			return fmt.Errorf("%w: final chunks at seq %d and %d", ErrChunkBounds, p.deferredSeq, h.Seq)
		}
		p.deferredLast = append([]byte(nil), raw...)
		p.deferredSeq = h.Seq
		p.hasDeferred = true
		return nil
	}

	offset := int(h.Seq) * p.stride
	if offset >= len(p.buf) {
		return fmt.Errorf("%w: seq %d at offset %d, total %d", ErrChunkBounds, h.Seq, offset, len(p.buf))
	}
	remain := len(p.buf) - offset
	want := p.stride
	if h.Last {
		if remain > p.stride {
			return fmt.Errorf("%w: final seq %d leaves %d bytes beyond one stride", ErrChunkBounds, h.Seq, remain)
		}
		want = remain
	} else if remain <= p.stride {
		// A non-final chunk must leave room for at least one more.
		return fmt.Errorf("%w: non-final seq %d reaches declared end", ErrChunkBounds, h.Seq)
	}
	if len(raw) < want {
		return fmt.Errorf("%w: seq %d carries %d bytes, want %d", ErrChunkBounds, h.Seq, len(raw), want)
	}
	p.write(h.Seq, offset, raw[:want])
	return nil
}

func (p *partialMessage) write(seq uint16, offset int, data []byte) {
	if p.seen[seq] {
		return
	}
	p.seen[seq] = true
	copy(p.buf[offset:offset+len(data)], data)
	p.written += len(data)
}

// PendingMessages reports how many messages are partially assembled.
func (r *Reassembler) PendingMessages() int {
	return len(r.pending)
}
