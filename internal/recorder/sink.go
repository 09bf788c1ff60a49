package recorder

import (
	"context"
	"time"
)

// Summary is what a session records when it ends.
type Summary struct {
	TotalGifts    int64
	TotalDiamonds int64
	PeakViewers   int
	UniqueViewers int
	EndedAt       time.Time
}

type GiftRecord struct {
	SessionID   string
	GiftID      int
	GiftName    string
	GiftValue   int64 // per-unit diamond cost
	SenderName  string
	RepeatCount int
	CreatedAt   time.Time
}

type ViewerRecord struct {
	SessionID string
	ViewerID  string
	EventType string
	CreatedAt time.Time
}

// Sink is the durable store behind the recorder. Calls arrive one at a
// time from the recorder's worker, in the order they were queued.
type Sink interface {
	CreateSession(ctx context.Context, id, instanceID string, start time.Time) error
	EndSession(ctx context.Context, id string, s Summary) error
	LogGift(ctx context.Context, rec GiftRecord) error
	LogViewer(ctx context.Context, rec ViewerRecord) error
	Close() error
}

// NopSink discards everything. Used when recording is disabled.
type NopSink struct{}

func (NopSink) CreateSession(context.Context, string, string, time.Time) error { return nil }
func (NopSink) EndSession(context.Context, string, Summary) error              { return nil }
func (NopSink) LogGift(context.Context, GiftRecord) error                      { return nil }
func (NopSink) LogViewer(context.Context, ViewerRecord) error                  { return nil }
func (NopSink) Close() error                                                   { return nil }
