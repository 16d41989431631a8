package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct {
	text string
}

// NewMockRecognizer returns text for every final request. With no text it
// describes the audio it received instead.
func NewMockRecognizer(text string) Recognizer {
	return &mockRecognizer{text: text}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, pcm []byte, _ int, _ int, final bool) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	if m.text != "" && final {
		return TranscriptResult{Text: m.text, Confidence: 1}, nil
	}
	mode := "partial"
	if final {
		mode = "final"
	}
	return TranscriptResult{Text: fmt.Sprintf("[%s transcript length=%d]", mode, len(pcm))}, nil
}
