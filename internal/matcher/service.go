package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/loqalabs/loqa-answer/internal/bus"
	"github.com/loqalabs/loqa-answer/internal/config"
	"github.com/loqalabs/loqa-answer/internal/eventstore"
	"github.com/loqalabs/loqa-answer/internal/flow"
	"github.com/loqalabs/loqa-answer/internal/protocol"
	"github.com/loqalabs/loqa-answer/internal/similarity"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-answer/matcher"

// Service turns final transcripts into questionnaire decisions.
type Service struct {
	cfg       config.MatcherConfig
	bus       *bus.Client
	flow      *flow.Flow
	store     *eventstore.Store
	positions Positions
	sessions  sessionLocks
	logger    *slog.Logger
	tracer    trace.Tracer
	decisions metric.Int64Counter
	distance  metric.Int64Histogram
	subs      []*nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
}

// OptionsFromConfig builds classifier options from matcher config.
func OptionsFromConfig(cfg config.MatcherConfig) (similarity.Options, error) {
	empty, err := similarity.ParseEmptyInputPolicy(cfg.EmptyInput)
	if err != nil {
		return similarity.Options{}, err
	}
	scoring, err := similarity.ParseScoring(cfg.Scoring)
	if err != nil {
		return similarity.Options{}, err
	}
	opts := similarity.Options{
		MaxInputLength: cfg.MaxInputLength,
		EmptyInput:     empty,
		Scoring:        scoring,
	}
	if cfg.Normalize {
		opts.Normalizer = similarity.SpeechNormalizer()
	}
	return opts, nil
}

func NewService(parent context.Context, cfg config.MatcherConfig, busClient *bus.Client, f *flow.Flow, store *eventstore.Store, positions Positions, logger *slog.Logger) (*Service, error) {
	if f == nil {
		return nil, errors.New("matcher requires a flow")
	}
	if positions == nil {
		positions = NewMemoryPositions()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:       cfg,
		bus:       busClient,
		flow:      f,
		store:     store,
		positions: positions,
		sessions:  sessionLocks{held: make(map[string]*sessionLock)},
		logger:    logger.With(slog.String("component", "matcher")),
		tracer:    otel.Tracer(instrumentationName),
		ctx:       ctx,
		cancel:    cancel,
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s, nil
}

func (s *Service) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	counter, err := meter.Int64Counter("loqa.answer.decisions",
		metric.WithDescription("Classified final transcripts by outcome"))
	if err != nil {
		return err
	}
	hist, err := meter.Int64Histogram("loqa.answer.best_distance",
		metric.WithDescription("Edit distance to the closest answer phrase"))
	if err != nil {
		return err
	}
	s.decisions = counter
	s.distance = hist
	return nil
}

// Start subscribes to final transcripts and session resets. Without a bus the
// service only serves direct Decide calls.
func (s *Service) Start() error {
	if !s.cfg.Enabled || s.bus == nil {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTranscriptFinal, s.handleTranscript)
	if err != nil {
		return fmt.Errorf("subscribe transcripts: %w", err)
	}
	resetSub, err := s.bus.Conn().Subscribe(protocol.SubjectSessionReset, s.handleReset)
	if err != nil {
		_ = sub.Drain()
		return fmt.Errorf("subscribe session reset: %w", err)
	}
	s.mu.Lock()
	s.subs = []*nats.Subscription{sub, resetSub}
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled || s.bus == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) == 2
}

func (s *Service) handleTranscript(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.logger.Warn("matcher failed to decode transcript", slogError(err))
		return
	}
	if transcript.Partial || transcript.SessionID == "" {
		return
	}
	decision, err := s.Decide(s.ctx, transcript.SessionID, transcript.Text)
	if err != nil {
		s.logger.Warn("matcher failed to decide", slog.String("session_id", transcript.SessionID), slogError(err))
		return
	}
	if err := s.bus.PublishJSON(protocol.AnswerDecisionSubject(decision.SessionID), decision); err != nil {
		s.logger.Warn("matcher failed to publish decision", slogError(err))
	}
}

func (s *Service) handleReset(msg *nats.Msg) {
	var reset protocol.SessionReset
	if err := json.Unmarshal(msg.Data, &reset); err != nil {
		s.logger.Warn("matcher failed to decode reset", slogError(err))
		return
	}
	if err := s.Reset(s.ctx, reset.SessionID); err != nil {
		s.logger.Warn("matcher failed to reset session", slog.String("session_id", reset.SessionID), slogError(err))
	}
}

// Reset forgets the question a session is on; its next transcript answers
// the first question again.
func (s *Service) Reset(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id must not be empty")
	}
	defer s.sessions.lock(sessionID)()
	return s.positions.Delete(ctx, sessionID)
}

// Decide classifies text against the session's current question, advances
// the session on a match and records the decision. Ties, non-matches and
// oversized input leave the session where it is.
func (s *Service) Decide(ctx context.Context, sessionID, text string) (protocol.AnswerDecision, error) {
	ctx, span := s.tracer.Start(ctx, "matcher.decide", trace.WithAttributes(
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	// Transcripts for one session arrive over the bus and the HTTP API; each
	// must answer the question the previous one left the session on.
	defer s.sessions.lock(sessionID)()

	current, err := s.currentQuestion(ctx, sessionID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return protocol.AnswerDecision{}, err
	}

	decision := protocol.AnswerDecision{
		SessionID:  sessionID,
		QuestionID: current,
		NextID:     current,
		Transcript: text,
		Index:      -1,
		Timestamp:  time.Now().UTC(),
	}

	step, err := s.flow.Advance(current, text)
	switch {
	case errors.Is(err, similarity.ErrInputTooLarge):
		decision.Outcome = protocol.OutcomeInputTooLarge
		s.logger.Info("transcript rejected", slog.String("session_id", sessionID), slogError(err))
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
		return protocol.AnswerDecision{}, err
	default:
		decision.Outcome = step.Result.Outcome.String()
		decision.Index = step.Result.Index
		decision.Distances = step.Result.Distances
		decision.Answer = step.Answer
		decision.NextID = step.To
		decision.Moved = step.Moved
		decision.Done = step.Done
	}

	if err := s.savePosition(ctx, decision); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return protocol.AnswerDecision{}, fmt.Errorf("save position: %w", err)
	}

	id, err := s.store.RecordDecision(ctx, eventstore.Decision{
		SessionID:  decision.SessionID,
		QuestionID: decision.QuestionID,
		NextID:     decision.NextID,
		Transcript: decision.Transcript,
		Outcome:    decision.Outcome,
		Answer:     decision.Answer,
		Index:      decision.Index,
		Distances:  decision.Distances,
		Moved:      decision.Moved,
		Done:       decision.Done,
		Privacy:    s.cfg.Privacy,
		CreatedAt:  decision.Timestamp,
	})
	if err != nil {
		// The decision still stands; losing the ledger entry is not fatal.
		s.logger.Warn("failed to record decision", slog.String("session_id", sessionID), slogError(err))
	}
	decision.ID = id

	s.observe(ctx, span, decision)
	s.logger.Info("answer decided",
		slog.String("session_id", sessionID),
		slog.String("question_id", decision.QuestionID),
		slog.String("outcome", decision.Outcome),
		slog.String("next_question_id", decision.NextID))
	return decision, nil
}

func (s *Service) currentQuestion(ctx context.Context, sessionID string) (string, error) {
	current, ok, err := s.positions.Get(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load position: %w", err)
	}
	if !ok {
		return s.flow.Start(), nil
	}
	if _, known := s.flow.Question(current); !known {
		s.logger.Warn("session on unknown question, restarting",
			slog.String("session_id", sessionID), slog.String("question_id", current))
		return s.flow.Start(), nil
	}
	return current, nil
}

func (s *Service) savePosition(ctx context.Context, d protocol.AnswerDecision) error {
	switch {
	case d.Done:
		return s.positions.Delete(ctx, d.SessionID)
	case d.Moved:
		return s.positions.Set(ctx, d.SessionID, d.NextID)
	default:
		return nil
	}
}

func (s *Service) observe(ctx context.Context, span trace.Span, d protocol.AnswerDecision) {
	attrs := []attribute.KeyValue{
		attribute.String("question.id", d.QuestionID),
		attribute.String("answer.outcome", d.Outcome),
	}
	span.SetAttributes(append(attrs, attribute.Bool("answer.moved", d.Moved))...)
	if s.decisions != nil {
		s.decisions.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if s.distance != nil && len(d.Distances) > 0 {
		s.distance.Record(ctx, int64(slices.Min(d.Distances)), metric.WithAttributes(attrs[0]))
	}
}

// sessionLocks hands out one mutex per session and forgets it once nobody
// holds or waits on it.
type sessionLocks struct {
	mu   sync.Mutex
	held map[string]*sessionLock
}

type sessionLock struct {
	sync.Mutex
	refs int
}

func (l *sessionLocks) lock(sessionID string) (unlock func()) {
	l.mu.Lock()
	sl := l.held[sessionID]
	if sl == nil {
		sl = &sessionLock{}
		l.held[sessionID] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.Lock()
	return func() {
		sl.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.held, sessionID)
		}
		l.mu.Unlock()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
