package matcher

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"

	"github.com/nats-io/nats.go"
)

// Positions remembers which question each session is on.
type Positions interface {
	Get(ctx context.Context, sessionID string) (string, bool, error)
	Set(ctx context.Context, sessionID, questionID string) error
	Delete(ctx context.Context, sessionID string) error
}

type memoryPositions struct {
	mu   sync.Mutex
	byID map[string]string
}

func NewMemoryPositions() Positions {
	return &memoryPositions{byID: make(map[string]string)}
}

func (m *memoryPositions) Get(_ context.Context, sessionID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.byID[sessionID]
	return q, ok, nil
}

func (m *memoryPositions) Set(_ context.Context, sessionID, questionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[sessionID] = questionID
	return nil
}

func (m *memoryPositions) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, sessionID)
	return nil
}

// kvPositions stores positions in a JetStream KV bucket so they survive
// restarts and are shared between matcher instances.
type kvPositions struct {
	kv nats.KeyValue
}

func NewKVPositions(kv nats.KeyValue) Positions {
	return &kvPositions{kv: kv}
}

// kvKey encodes session ids, which may contain characters KV keys reject.
func kvKey(sessionID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(sessionID))
}

func (p *kvPositions) Get(_ context.Context, sessionID string) (string, bool, error) {
	entry, err := p.kv.Get(kvKey(sessionID))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(entry.Value()), true, nil
}

func (p *kvPositions) Set(_ context.Context, sessionID, questionID string) error {
	_, err := p.kv.PutString(kvKey(sessionID), questionID)
	return err
}

func (p *kvPositions) Delete(_ context.Context, sessionID string) error {
	err := p.kv.Delete(kvKey(sessionID))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return err
}
