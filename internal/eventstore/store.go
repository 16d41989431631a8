package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-answer/internal/config"
	_ "modernc.org/sqlite"
)

// Decision is one recorded classification of a final transcript.
type Decision struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	QuestionID string    `json:"question_id"`
	NextID     string    `json:"next_question_id"`
	Transcript string    `json:"transcript"`
	Outcome    string    `json:"outcome"`
	Answer     string    `json:"answer,omitempty"`
	Index      int       `json:"index"`
	Distances  []int     `json:"distances,omitempty"`
	Moved      bool      `json:"moved"`
	Done       bool      `json:"done"`
	Privacy    string    `json:"privacy_scope"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store wraps a SQLite-backed decision ledger.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. Ephemeral mode keeps nothing.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    privacy_scope TEXT,
    created_at INTEGER NOT NULL,
    last_seen INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS decisions (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    session_id TEXT NOT NULL,
    question_id TEXT NOT NULL,
    next_question_id TEXT,
    transcript TEXT,
    outcome TEXT NOT NULL,
    answer TEXT,
    answer_index INTEGER NOT NULL,
    distances TEXT,
    moved INTEGER NOT NULL,
    done INTEGER NOT NULL,
    privacy_scope TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_decisions_session ON decisions(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Persistent reports whether decisions are written anywhere.
func (s *Store) Persistent() bool {
	return s != nil && s.db != nil
}

// RecordDecision writes d, creating its session row on first use. A missing
// ID is filled with a random UUID and returned.
func (s *Store) RecordDecision(ctx context.Context, d Decision) (string, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if !s.Persistent() {
		return d.ID, nil
	}
	if d.SessionID == "" {
		return "", errors.New("decision session id must not be empty")
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.clock().UTC()
	}
	distances, err := json.Marshal(d.Distances)
	if err != nil {
		return "", fmt.Errorf("encode distances: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, privacy_scope, created_at, last_seen) VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET privacy_scope=excluded.privacy_scope,
		 last_seen=MAX(sessions.last_seen, excluded.last_seen)`,
		d.SessionID, d.Privacy, d.CreatedAt.UnixNano(), d.CreatedAt.UnixNano()); err != nil {
		return "", fmt.Errorf("upsert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO decisions(id, session_id, question_id, next_question_id, transcript, outcome,
		 answer, answer_index, distances, moved, done, privacy_scope, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SessionID, d.QuestionID, d.NextID, d.Transcript, d.Outcome,
		d.Answer, d.Index, string(distances), d.Moved, d.Done, d.Privacy, d.CreatedAt.UnixNano()); err != nil {
		return "", fmt.Errorf("insert decision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return d.ID, nil
}

// ListDecisions retrieves the latest limit decisions for a session, oldest
// first.
func (s *Store) ListDecisions(ctx context.Context, sessionID string, limit int) ([]Decision, error) {
	if !s.Persistent() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, question_id, next_question_id, transcript, outcome, answer,
		 answer_index, distances, moved, done, privacy_scope, created_at
		 FROM (SELECT * FROM decisions WHERE session_id = ? ORDER BY seq DESC LIMIT ?)
		 ORDER BY seq ASC`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []Decision
	for rows.Next() {
		var (
			d         Decision
			distances sql.NullString
			created   int64
		)
		if err := rows.Scan(&d.ID, &d.SessionID, &d.QuestionID, &d.NextID, &d.Transcript, &d.Outcome,
			&d.Answer, &d.Index, &distances, &d.Moved, &d.Done, &d.Privacy, &created); err != nil {
			return nil, err
		}
		if distances.Valid && distances.String != "" {
			if err := json.Unmarshal([]byte(distances.String), &d.Distances); err != nil {
				s.log.Warn("skipping malformed distances", slog.String("id", d.ID), slog.String("error", err.Error()))
			}
		}
		d.CreatedAt = time.Unix(0, created).UTC()
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// CountOutcomes tallies recorded decisions by outcome.
func (s *Store) CountOutcomes(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	if !s.Persistent() {
		return counts, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM decisions GROUP BY outcome`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
// Old decisions are dropped one by one; a session row only goes once it has
// been idle past the cutoff, so an active session keeps its recent history.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Persistent() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM decisions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE last_seen < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY last_seen DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RunRetention prunes on every tick until ctx is done.
func (s *Store) RunRetention(ctx context.Context, every time.Duration) {
	if !s.Persistent() || every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
