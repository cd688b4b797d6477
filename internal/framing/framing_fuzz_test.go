package framing

import (
	"bytes"
	"errors"
	"testing"
)

func FuzzDecodeChunk(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{0x50, 0x4C, 0x4B, 0x31})
	f.Add(bytes.Repeat([]byte{0}, HeaderLen))

	c := Codec{MaxMessageBytes: 256}
	if chunks, err := c.Split(3, bytes.Repeat([]byte{7}, 1000)); err == nil {
		for _, ch := range chunks {
			f.Add(ch)
		}
	}

	classify := func(err error) string {
		switch {
		case err == nil:
			return "ok"
		case errors.Is(err, ErrShortHeader):
			return "short_header"
		case errors.Is(err, ErrBadMagic):
			return "bad_magic"
		case errors.Is(err, ErrChunkBounds):
			return "chunk_bounds"
		default:
			return "other"
		}
	}

	f.Fuzz(func(t *testing.T, b []byte) {
		h1, p1, err1 := DecodeChunk(b)
		h2, p2, err2 := DecodeChunk(b)

		c1, c2 := classify(err1), classify(err2)
		if c1 == "other" || c2 == "other" {
			t.Fatalf("unexpected error types: err1=%v err2=%v", err1, err2)
		}
		if c1 != c2 {
			t.Fatalf("unstable result: err1=%v err2=%v", err1, err2)
		}
		if c1 == "ok" {
			if h1 != h2 || !bytes.Equal(p1, p2) {
				t.Fatalf("unstable decode: h1=%#v h2=%#v", h1, h2)
			}
		}
	})
}

func FuzzReassemblerAccept(f *testing.F) {
	c := Codec{MaxMessageBytes: 256}
	if chunks, err := c.Split(8, bytes.Repeat([]byte{9}, 900)); err == nil {
		for _, ch := range chunks {
			f.Add(ch)
		}
	}
	f.Add(bytes.Repeat([]byte{0x50}, HeaderLen+4))

	f.Fuzz(func(t *testing.T, b []byte) {
		// Must never panic or return a completed message larger than the
		// declared total.
		r := NewReassembler()
		payload, done, err := r.Accept(b)
		if err != nil {
			return
		}
		if done {
			h, _, decErr := DecodeChunk(b)
			if decErr != nil {
				t.Fatalf("completed from undecodable chunk: %v", decErr)
			}
			if len(payload) != int(h.TotalLen) {
				t.Fatalf("completed payload %d bytes, header declared %d", len(payload), h.TotalLen)
			}
		}
	})
}
