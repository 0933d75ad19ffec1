// Package ipc implements the length-prefixed JSON framing used for all
// inter-process communication between the ingest and persistence
// processes (spec.md §6): a 4-byte big-endian length prefix followed by
// a UTF-8 JSON body. No pack example frames messages this way over a
// raw stream socket (gorilla/websocket frames its own messages; nothing
// in the corpus hand-rolls a length-prefixed protocol), so this is built
// directly from spec.md's wire-format description using only the
// standard library — see DESIGN.md.
package ipc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single frame body to guard the persistence
// process against a corrupt length prefix causing an unbounded read.
const MaxFrameBytes = 64 << 20 // 64 MiB

// WriteFrame writes a 4-byte big-endian length prefix followed by body.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameBytes {
		return fmt.Errorf("ipc: frame body too large: %d bytes", len(body))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("ipc: write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("ipc: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame body from r.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameBytes {
		return nil, fmt.Errorf("ipc: frame length %d exceeds max %d", n, MaxFrameBytes)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("ipc: read frame body: %w", err)
	}
	return body, nil
}
