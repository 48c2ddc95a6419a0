package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestFramingRoundTrip(t *testing.T) {
	env := &Envelope{
		Type: TypeCommand,
		ID:   "req-1",
		Data: json.RawMessage(`{"action":"get_status","params":{}}`),
	}

	var buf bytes.Buffer
	if err := WriteEnvelope(&buf, env); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadEnvelope(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != env.Type || got.ID != env.ID {
		t.Fatalf("envelope mismatch: %+v", got)
	}
	if !bytes.Equal(got.Data, env.Data) {
		t.Fatalf("payload not byte-identical: %s vs %s", got.Data, env.Data)
	}
}

func TestFramingLargePayloadAccepted(t *testing.T) {
	// Just under the limit once envelope overhead is added.
	big := strings.Repeat("a", MaxMessageSize-1024)
	data, _ := json.Marshal(struct {
		Text string `json:"text"`
	}{big})
	env := &Envelope{Type: TypeTranscription, ID: "1", Data: data}

	var buf bytes.Buffer
	if err := WriteEnvelope(&buf, env); err != nil {
		t.Fatalf("write under limit: %v", err)
	}
	if _, err := ReadEnvelope(&buf); err != nil {
		t.Fatalf("read under limit: %v", err)
	}
}

func TestFramingOversizedWriteRejected(t *testing.T) {
	big := strings.Repeat("a", MaxMessageSize+1)
	data, _ := json.Marshal(struct {
		Text string `json:"text"`
	}{big})
	env := &Envelope{Type: TypeTranscription, ID: "1", Data: data}

	var buf bytes.Buffer
	if err := WriteEnvelope(&buf, env); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestFramingOversizedLengthPrefixRejected(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 2<<30) // 2 GiB
	if _, err := ReadEnvelope(bytes.NewReader(header[:])); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestFramingExactLimitBoundary(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxMessageSize+1)
	if _, err := ReadEnvelope(bytes.NewReader(header[:])); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected 1 MiB + 1 rejection, got %v", err)
	}

	// Exactly 1 MiB is still read (the payload below is valid JSON padded
	// to the limit via a string field).
	padding := MaxMessageSize - len(`{"type":3,"id":"1","data":{"t":""}}`)
	payload := `{"type":3,"id":"1","data":{"t":"` + strings.Repeat("a", padding) + `"}}`
	if len(payload) != MaxMessageSize {
		t.Fatalf("test payload sizing is off: %d", len(payload))
	}
	var buf bytes.Buffer
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	buf.Write(header[:])
	buf.WriteString(payload)
	if _, err := ReadEnvelope(&buf); err != nil {
		t.Fatalf("exactly 1 MiB must be accepted: %v", err)
	}
}

func TestFramingMalformedJSONFatal(t *testing.T) {
	payload := []byte(`{"type":0,`)
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	buf.Write(header[:])
	buf.Write(payload)

	if _, err := ReadEnvelope(&buf); !errors.Is(err, ErrMalformedJSON) {
		t.Fatalf("expected ErrMalformedJSON, got %v", err)
	}
}
