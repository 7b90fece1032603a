package calllog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists relay summaries in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) SaveCall(ctx context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.EndedAt.IsZero() {
		record.EndedAt = time.Now().UTC()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = record.EndedAt
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_relays (id, relay_id, call_sid, stream_sid, end_reason, final_state,
			started_at, ended_at, frames_to_ai, frames_to_telephony, dropped_frames, interruptions)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		record.ID,
		record.RelayID,
		record.CallSID,
		record.StreamSID,
		record.EndReason,
		record.FinalState,
		record.StartedAt,
		record.EndedAt,
		record.FramesToAI,
		record.FramesToTelephony,
		record.DroppedFrames,
		record.Interruptions,
	)
	if err != nil {
		return fmt.Errorf("save call: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentCalls(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, relay_id, call_sid, stream_sid, end_reason, final_state, started_at, ended_at,
			frames_to_ai, frames_to_telephony, dropped_frames, interruptions
		 FROM call_relays ORDER BY ended_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.RelayID, &r.CallSID, &r.StreamSID, &r.EndReason, &r.FinalState,
			&r.StartedAt, &r.EndedAt, &r.FramesToAI, &r.FramesToTelephony, &r.DroppedFrames, &r.Interruptions); err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
