package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize caps a framed payload at 1 MiB. Anything larger is a
// fatal framing error for the connection that sent it.
const MaxMessageSize = 1 << 20

var (
	ErrMessageTooLarge = errors.New("ipc: message exceeds 1 MiB limit")
	ErrMalformedJSON   = errors.New("ipc: malformed JSON payload")
)

// WriteEnvelope frames env as a 4-byte big-endian length followed by the
// JSON payload, written in a single call.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// ReadEnvelope blocks until a full length prefix and payload have been
// read. Oversized lengths and JSON parse failures are returned as errors;
// both are connection-fatal to the caller.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	return &env, nil
}
