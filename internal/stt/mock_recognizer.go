package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a backend that echoes the utterance length.
// Useful for wiring tests and for running the daemon without a model.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, samples []float32, params Params) (*Output, error) {
	return &Output{
		Segments: []Segment{{
			ID:          0,
			EndS:        float64(len(samples)) / 16000,
			Text:        fmt.Sprintf("mock transcript of %d samples", len(samples)),
			Tokens:      []int{},
			Temperature: params.Temperature,
		}},
		Language: params.Language,
	}, nil
}

func (m *mockRecognizer) ModelID() string { return "mock" }

func (m *mockRecognizer) Close() error { return nil }
