// Package ipc implements the length-prefixed JSON framing used between the
// agent daemon and the e2epoolctl CLI over a Unix domain socket. Each frame
// is a 4-byte big-endian length header followed by a JSON payload.
package ipc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// headerSize is the width of the length prefix in bytes.
const headerSize = 4

// MaxMessageSize caps the payload a single frame may carry, guarding against
// a corrupt or hostile length header forcing an unbounded allocation.
const MaxMessageSize = 1 << 20 // 1 MiB

// ErrMessageTooLarge is returned by Recv when a frame's declared length
// exceeds MaxMessageSize.
var ErrMessageTooLarge = errors.New("ipc: message exceeds maximum size")

// Send writes a length-prefixed JSON frame for v to w.
func Send(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc: marshal: %w", err)
	}

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("ipc: write header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("ipc: write payload: %w", err)
	}
	return nil
}

// Recv reads one length-prefixed JSON frame from r and unmarshals it into v.
// Returns io.EOF if the peer closed the connection cleanly before sending
// any bytes of the next frame.
func Recv(r io.Reader, v interface{}) error {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("ipc: read header: %w", io.ErrUnexpectedEOF)
		}
		return err
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxMessageSize {
		return ErrMessageTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("ipc: read payload: %w", err)
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("ipc: unmarshal: %w", err)
	}
	return nil
}

// NewReader wraps r with buffering suitable for repeated Recv calls on the
// same connection.
func NewReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 4096)
}
