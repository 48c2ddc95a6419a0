package bus

import (
	"encoding/json"
	"log/slog"

	"github.com/quietlabs/murmur/internal/stt"
)

// Bus subjects for republished transcripts.
const (
	SubjectTranscriptFinal = "stt.text.final"
	SubjectStatus          = "stt.status"
)

// Bridge republishes final transcription results onto the local bus so
// other processes can consume them without holding an IPC connection.
// Publishing is best effort; failures are logged and never propagate
// upstream.
type Bridge struct {
	client *Client
	log    *slog.Logger
}

func NewBridge(client *Client, log *slog.Logger) *Bridge {
	return &Bridge{
		client: client,
		log:    log.With(slog.String("component", "bus-bridge")),
	}
}

// PublishTranscription mirrors one result to the bus.
func (b *Bridge) PublishTranscription(result stt.Result) {
	if b == nil || b.client == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		b.log.Warn("failed to marshal transcript", slog.String("error", err.Error()))
		return
	}
	if err := b.client.Conn().Publish(SubjectTranscriptFinal, data); err != nil {
		b.log.Warn("failed to publish transcript", slog.String("error", err.Error()))
	}
}

// PublishStatus mirrors a status payload to the bus.
func (b *Bridge) PublishStatus(payload any) {
	if b == nil || b.client == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Warn("failed to marshal status", slog.String("error", err.Error()))
		return
	}
	if err := b.client.Conn().Publish(SubjectStatus, data); err != nil {
		b.log.Warn("failed to publish status", slog.String("error", err.Error()))
	}
}

func (b *Bridge) Close() {
	if b == nil {
		return
	}
	b.client.Close()
}
