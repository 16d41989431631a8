package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-answer/internal/bus"
	"github.com/loqalabs/loqa-answer/internal/config"
	"github.com/loqalabs/loqa-answer/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service buffers audio frames per session and publishes one final
// transcript when the recording ends.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	logger     *slog.Logger
	sessions   map[string]*recording
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *nats.Subscription
	wg         sync.WaitGroup
	ready      bool
}

type recording struct {
	pcm          []byte
	sampleRate   int
	channels     int
	lastPartial  time.Time
	inflight     bool
	pendingFinal bool
	truncated    bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		logger:     logger.With(slog.String("component", "stt")),
		sessions:   make(map[string]*recording),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		s.logger.Warn("audio frame without session id", slog.String("subject", msg.Subject))
		return
	}
	s.ingest(frame)
}

func (s *Service) ingest(frame protocol.AudioFrame) {
	s.mu.Lock()
	rec := s.sessions[frame.SessionID]
	if rec == nil {
		rec = &recording{sampleRate: s.cfg.SampleRate, channels: s.cfg.Channels}
		s.sessions[frame.SessionID] = rec
	}
	if frame.SampleRate > 0 {
		rec.sampleRate = frame.SampleRate
	}
	if frame.Channels > 0 {
		rec.channels = frame.Channels
	}
	pcm := frame.PCM
	// The cap ends on a whole frame: one 16-bit sample for every channel.
	frameBytes := 2 * max(rec.channels, 1)
	if limit := s.cfg.MaxBufferBytes / frameBytes * frameBytes; s.cfg.MaxBufferBytes > 0 && len(rec.pcm)+len(pcm) > limit {
		pcm = pcm[:max(limit-len(rec.pcm), 0)]
		if !rec.truncated {
			rec.truncated = true
			s.logger.Warn("audio buffer full, dropping frames",
				slog.String("session_id", frame.SessionID),
				slog.Int("max_buffer_bytes", s.cfg.MaxBufferBytes))
		}
	}
	rec.pcm = append(rec.pcm, pcm...)
	partial := !frame.Final && s.cfg.PublishInterim && s.partialDueLocked(rec)
	s.mu.Unlock()

	switch {
	case frame.Final:
		s.schedule(frame.SessionID, true)
	case partial:
		s.schedule(frame.SessionID, false)
	}
}

func (s *Service) partialDueLocked(rec *recording) bool {
	if rec.inflight {
		return false
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if rec.lastPartial.IsZero() || time.Since(rec.lastPartial) >= interval {
		rec.lastPartial = time.Now()
		return true
	}
	return false
}

func (s *Service) schedule(sessionID string, final bool) {
	s.mu.Lock()
	rec := s.sessions[sessionID]
	if rec == nil {
		s.mu.Unlock()
		return
	}
	if rec.inflight {
		if final {
			rec.pendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), rec.pcm...)
	sampleRate, channels := rec.sampleRate, rec.channels
	rec.inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.transcribe(sessionID, pcm, sampleRate, channels, final)
	}()
}

func (s *Service) transcribe(sessionID string, pcm []byte, sampleRate, channels int, final bool) {
	timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	started := time.Now()
	result, err := s.recognizer.Transcribe(ctx, pcm, sampleRate, channels, final)
	if err != nil {
		s.logger.Warn("stt transcription failed", slog.String("session_id", sessionID), slog.Bool("final", final), slogError(err))
	} else {
		s.logger.Debug("transcribed audio",
			slog.String("session_id", sessionID),
			slog.Bool("final", final),
			slog.Int("pcm_bytes", len(pcm)),
			slog.Duration("latency", time.Since(started)))
		s.publish(sessionID, result, final)
	}

	s.mu.Lock()
	var pendingFinal bool
	if rec := s.sessions[sessionID]; rec != nil {
		rec.inflight = false
		pendingFinal = rec.pendingFinal && !final
		if final {
			delete(s.sessions, sessionID)
		}
	}
	s.mu.Unlock()

	if pendingFinal {
		s.schedule(sessionID, true)
	}
}

func (s *Service) publish(sessionID string, result TranscriptResult, final bool) {
	// A final transcript is always published so the session gets exactly one
	// decision, even when nothing was recognized.
	if result.Text == "" && !final {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       result.Text,
		Partial:    !final,
		Timestamp:  time.Now().UTC(),
		Confidence: result.Confidence,
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
