package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// DefaultMaxMessageSize is the default per-message cap on the wire.
const DefaultMaxMessageSize = 1 << 20 // 1 MiB

// ErrMessageTooLarge is returned when a message's declared length exceeds
// the configured maximum, before any of its payload bytes are read.
var ErrMessageTooLarge = errors.New("wire: message exceeds maximum size")

// WriteMessage encodes m and writes it to w as an unsigned-varint length
// prefix followed by the encoded bytes.
func WriteMessage(w io.Writer, m *Message) error {
	payload := Marshal(m)
	if _, err := varint.WriteUvarint(w, uint64(len(payload))); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed message from r, rejecting it
// without reading further bytes if the declared length exceeds maxSize. A
// maxSize <= 0 selects DefaultMaxMessageSize.
func ReadMessage(r io.Reader, maxSize int) (*Message, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}

	size, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("wire: read length prefix: %w", err)
	}
	if size > uint64(maxSize) {
		return nil, ErrMessageTooLarge
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}

	m, err := Unmarshal(buf)
	if err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}
	return m, nil
}
