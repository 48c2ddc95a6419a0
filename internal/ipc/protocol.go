package ipc

import "encoding/json"

// MessageType is the envelope discriminator. Values 0-2 arrive from
// clients, 3-6 originate at the server.
type MessageType int

const (
	TypeCommand       MessageType = 0
	TypeSubscribe     MessageType = 1
	TypeUnsubscribe   MessageType = 2
	TypeTranscription MessageType = 3
	TypeStatus        MessageType = 4
	TypeError         MessageType = 5
	TypeAck           MessageType = 6
)

// Envelope is the wire message: a type, a correlation id, and a payload.
// Client ids are echoed into the matching ACK/ERROR; server-originated
// messages carry a fresh monotonic id.
type Envelope struct {
	Type MessageType     `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// CommandData is the payload of a TypeCommand envelope.
type CommandData struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

// StatusData is the payload of the periodic STATUS broadcast.
type StatusData struct {
	Listening bool   `json:"listening"`
	Clients   int    `json:"clients"`
	UptimeS   uint64 `json:"uptime_s"`
}

func newAck(id string, result any) (*Envelope, error) {
	body := struct {
		Success bool `json:"success"`
		Result  any  `json:"result"`
	}{Success: true, Result: result}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: TypeAck, ID: id, Data: data}, nil
}

func newSubscriptionAck(id string, subscribed bool) *Envelope {
	data, _ := json.Marshal(struct {
		Subscribed bool `json:"subscribed"`
	}{subscribed})
	return &Envelope{Type: TypeAck, ID: id, Data: data}
}

func newErrorMessage(id, message string) *Envelope {
	data, _ := json.Marshal(struct {
		Message string `json:"message"`
	}{message})
	return &Envelope{Type: TypeError, ID: id, Data: data}
}
