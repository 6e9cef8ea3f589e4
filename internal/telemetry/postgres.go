package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink persists relay events in PostgreSQL through a small buffered
// writer goroutine. When the buffer is full new events are dropped rather
// than stalling the relay.
type PostgresSink struct {
	pool *pgxpool.Pool

	queue     chan Event
	closeOnce sync.Once
	done      chan struct{}
}

const (
	sinkQueueDepth = 256
	writeTimeout   = 5 * time.Second
)

func NewPostgresSink(ctx context.Context, databaseURL string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresSink{
		pool:  pool,
		queue: make(chan Event, sinkQueueDepth),
		done:  make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS relay_events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_relay_events_session_occurred ON relay_events (session_id, occurred_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Emit enqueues one event without blocking. Drops on a full queue.
func (s *PostgresSink) Emit(ev Event) {
	select {
	case s.queue <- stamp(ev):
	default:
		log.Printf("telemetry: queue full, dropping %s event for session %s", ev.Kind, ev.SessionID)
	}
}

func (s *PostgresSink) writeLoop() {
	defer close(s.done)
	for ev := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		_, err := s.pool.Exec(ctx,
			`INSERT INTO relay_events (id, session_id, kind, detail, occurred_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			ev.ID, ev.SessionID, ev.Kind, ev.Detail, ev.OccurredAt,
		)
		cancel()
		if err != nil {
			log.Printf("telemetry: insert relay event: %v", err)
		}
	}
}

// Close drains queued events, then releases the pool.
func (s *PostgresSink) Close() {
	s.closeOnce.Do(func() {
		close(s.queue)
		<-s.done
		s.pool.Close()
	})
}
