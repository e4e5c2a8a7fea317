package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS audit_events (
	id          UUID PRIMARY KEY,
	ts          TIMESTAMPTZ NOT NULL,
	session_id  TEXT NOT NULL,
	turn_index  INT NOT NULL,
	role        TEXT NOT NULL,
	decision    TEXT NOT NULL,
	reason      TEXT NOT NULL,
	duration_ms BIGINT NOT NULL,
	degraded    TEXT[],
	findings    JSONB
);
CREATE INDEX IF NOT EXISTS audit_events_session_idx ON audit_events (session_id, turn_index);
`

// PostgresSink persists audit events for long-term retention and SQL review.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects, verifies the connection and ensures the schema.
func NewPostgresSink(ctx context.Context, url string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if _, err := pool.Exec(ctx, createEventsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

// Emit inserts one event row. Findings go in as JSONB so the schema does not
// chase detector changes.
func (s *PostgresSink) Emit(ctx context.Context, ev Event) error {
	findings, err := json.Marshal(ev.Findings)
	if err != nil {
		return fmt.Errorf("encode findings: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_events (id, ts, session_id, turn_index, role, decision, reason, duration_ms, degraded, findings)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.Timestamp, ev.SessionID, ev.TurnIndex, ev.Role,
		ev.Decision, ev.Reason, ev.DurationMs, ev.Degraded, findings,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
