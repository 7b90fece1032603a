package calllog

import (
	"context"
	"time"
)

// Record summarizes one finished media relay.
type Record struct {
	ID                string    `json:"id"`
	RelayID           string    `json:"relay_id"`
	CallSID           string    `json:"call_sid"`
	StreamSID         string    `json:"stream_sid"`
	EndReason         string    `json:"end_reason"`
	FinalState        string    `json:"final_state"`
	StartedAt         time.Time `json:"started_at"`
	EndedAt           time.Time `json:"ended_at"`
	FramesToAI        int64     `json:"frames_to_ai"`
	FramesToTelephony int64     `json:"frames_to_telephony"`
	DroppedFrames     int64     `json:"dropped_frames"`
	Interruptions     int64     `json:"interruptions"`
}

// Store persists relay summaries.
type Store interface {
	SaveCall(ctx context.Context, record Record) error
	RecentCalls(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
