package stt

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loqalabs/loqa-answer/internal/bus/bustest"
	"github.com/loqalabs/loqa-answer/internal/config"
	"github.com/loqalabs/loqa-answer/internal/protocol"
	"github.com/nats-io/nats.go"
)

type countingRecognizer struct {
	calls chan []byte
}

func (c *countingRecognizer) Transcribe(_ context.Context, pcm []byte, _ int, _ int, final bool) (TranscriptResult, error) {
	c.calls <- pcm
	if !final {
		return TranscriptResult{Text: "partial"}, nil
	}
	return TranscriptResult{Text: "健康です", Confidence: 0.8}, nil
}

func TestServicePublishesOneFinalTranscript(t *testing.T) {
	client := bustest.Start(t)

	finals := make(chan *nats.Msg, 4)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectTranscriptFinal, finals)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	partials, err := client.Conn().SubscribeSync(protocol.SubjectTranscriptPartial)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	rec := &countingRecognizer{calls: make(chan []byte, 4)}
	cfg := config.STTConfig{Enabled: true, SampleRate: 16000, Channels: 1, MaxBufferBytes: 6, TimeoutMS: 1000}
	svc := NewService(context.Background(), cfg, client, rec, bustest.Logger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}

	frames := []protocol.AudioFrame{
		{SessionID: "s1", Sequence: 1, PCM: []byte{1, 0, 2, 0}},
		{SessionID: "s1", Sequence: 2, PCM: []byte{3, 0, 4, 0}},
		{SessionID: "s1", Sequence: 3, Final: true},
	}
	for _, f := range frames {
		if err := client.PublishJSON(protocol.AudioFrameSubject("s1"), f); err != nil {
			t.Fatalf("publish frame: %v", err)
		}
	}

	select {
	case pcm := <-rec.calls:
		if len(pcm) != 6 {
			t.Fatalf("expected buffer capped at 6 bytes, got %d", len(pcm))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("recognizer not called")
	}

	select {
	case msg := <-finals:
		var tr protocol.Transcript
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			t.Fatalf("decode transcript: %v", err)
		}
		if tr.SessionID != "s1" || tr.Text != "健康です" || tr.Partial {
			t.Fatalf("unexpected transcript %+v", tr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no final transcript published")
	}

	if _, err := partials.NextMsg(200 * time.Millisecond); err == nil {
		t.Fatal("interim transcripts must not be published by default")
	}
}

func TestBufferCapKeepsWholeFrames(t *testing.T) {
	cfg := config.STTConfig{Enabled: true, SampleRate: 16000, Channels: 2, MaxBufferBytes: 10}
	svc := NewService(context.Background(), cfg, nil, NewMockRecognizer(""), bustest.Logger())
	t.Cleanup(svc.Close)

	svc.ingest(protocol.AudioFrame{SessionID: "s1", PCM: []byte{1, 0, 2, 0, 3, 0}})
	svc.ingest(protocol.AudioFrame{SessionID: "s1", PCM: []byte{4, 0, 5, 0, 6, 0}})
	svc.ingest(protocol.AudioFrame{SessionID: "s1", PCM: []byte{7, 0}})

	svc.mu.Lock()
	got := len(svc.sessions["s1"].pcm)
	svc.mu.Unlock()
	if got != 8 {
		t.Fatalf("expected 8 bytes (two stereo frames), got %d", got)
	}
}

func TestMockRecognizer(t *testing.T) {
	rec := NewMockRecognizer("具合が悪い")
	res, err := rec.Transcribe(context.Background(), []byte{1, 2}, 16000, 1, true)
	if err != nil || res.Text != "具合が悪い" {
		t.Fatalf("unexpected final %+v %v", res, err)
	}
	res, _ = NewMockRecognizer("").Transcribe(context.Background(), []byte{1, 2}, 16000, 1, false)
	if res.Text != "[partial transcript length=2]" {
		t.Fatalf("unexpected partial %q", res.Text)
	}
}
