// Package recorder persists session history best-effort. Callers on the
// live path only ever enqueue; a single worker drains the queue into a Sink
// through a circuit breaker, so a slow or failing store never reaches the
// aggregation path.
package recorder

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/giftpulse/instance/internal/engine"
	"github.com/giftpulse/instance/internal/gift"
	"github.com/giftpulse/instance/internal/logging"
	"github.com/giftpulse/instance/internal/metrics"
)

const (
	defaultQueueSize = 256
	defaultOpTimeout = 5 * time.Second

	StatusActive    = "active"
	StatusCompleted = "completed"

	ViewerJoin = "join"
)

type BreakerOptions struct {
	// ConsecutiveFailures opens the breaker. Zero means 5.
	ConsecutiveFailures uint32
	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration
	// Interval clears failure counts while closed. Zero never clears.
	Interval time.Duration
}

type Options struct {
	QueueSize int
	OpTimeout time.Duration
	Breaker   BreakerOptions
}

type job struct {
	op string
	fn func(ctx context.Context) error
}

// Recorder implements engine.EventLogger and feed.SessionRecorder on top
// of a Sink. Run Serve to process the queue.
type Recorder struct {
	sink Sink
	opts Options
	jobs chan job
	cb   *gobreaker.CircuitBreaker[struct{}]
	log  zerolog.Logger
	now  func() time.Time
}

func New(sink Sink, opts Options) *Recorder {
	if sink == nil {
		sink = NopSink{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	if opts.Breaker.ConsecutiveFailures == 0 {
		opts.Breaker.ConsecutiveFailures = 5
	}
	if opts.Breaker.Timeout <= 0 {
		opts.Breaker.Timeout = 30 * time.Second
	}

	r := &Recorder{
		sink: sink,
		opts: opts,
		jobs: make(chan job, opts.QueueSize),
		log:  logging.Component("recorder"),
		now:  time.Now,
	}

	trip := opts.Breaker.ConsecutiveFailures
	metrics.RecorderBreakerState.Set(0)
	r.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "recorder-sink",
		MaxRequests: 1,
		Interval:    opts.Breaker.Interval,
		Timeout:     opts.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn().Str("from", stateToString(from)).Str("to", stateToString(to)).Msg("sink breaker state change")
			metrics.RecorderBreakerState.Set(stateToFloat(to))
		},
	})
	return r
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// StartSession allocates a session ID and queues its creation.
func (r *Recorder) StartSession(instanceID string) string {
	id := NewSessionID()
	start := r.now()
	r.enqueue("create_session", func(ctx context.Context) error {
		return r.sink.CreateSession(ctx, id, instanceID, start)
	})
	return id
}

func (r *Recorder) EndSession(sessionID string, totals engine.Totals) {
	s := Summary{
		TotalGifts:    totals.TotalGifts,
		TotalDiamonds: totals.TotalDiamonds,
		PeakViewers:   totals.PeakViewers,
		UniqueViewers: totals.UniqueViewers,
		EndedAt:       r.now(),
	}
	r.enqueue("end_session", func(ctx context.Context) error {
		return r.sink.EndSession(ctx, sessionID, s)
	})
}

func (r *Recorder) LogGift(sessionID string, ev gift.Event, units int) {
	rec := GiftRecord{
		SessionID:   sessionID,
		GiftID:      ev.GiftID,
		GiftName:    ev.GiftName,
		GiftValue:   ev.UnitValue(),
		SenderName:  ev.SenderName,
		RepeatCount: units,
		CreatedAt:   r.now(),
	}
	r.enqueue("log_gift", func(ctx context.Context) error {
		return r.sink.LogGift(ctx, rec)
	})
}

func (r *Recorder) LogViewer(sessionID, viewerID string) {
	rec := ViewerRecord{
		SessionID: sessionID,
		ViewerID:  viewerID,
		EventType: ViewerJoin,
		CreatedAt: r.now(),
	}
	r.enqueue("log_viewer", func(ctx context.Context) error {
		return r.sink.LogViewer(ctx, rec)
	})
}

// enqueue never blocks. A full queue drops the job.
func (r *Recorder) enqueue(op string, fn func(ctx context.Context) error) {
	select {
	case r.jobs <- job{op: op, fn: fn}:
	default:
		metrics.RecorderJobs.WithLabelValues(op, "dropped").Inc()
		r.log.Warn().Str("op", op).Msg("recorder queue full, dropping")
	}
}

// Serve processes queued jobs until ctx is cancelled, then drains what is
// left (bounded by the per-operation timeout) and returns.
func (r *Recorder) Serve(ctx context.Context) error {
	for {
		select {
		case j := <-r.jobs:
			r.process(j)
		case <-ctx.Done():
			r.Flush()
			return ctx.Err()
		}
	}
}

// Flush runs whatever is still queued on the calling goroutine. Call it
// after Serve has returned to capture jobs queued during shutdown.
func (r *Recorder) Flush() {
	for {
		select {
		case j := <-r.jobs:
			r.process(j)
		default:
			return
		}
	}
}

func (r *Recorder) String() string { return "recorder" }

// Pending returns the number of queued jobs.
func (r *Recorder) Pending() int { return len(r.jobs) }

// process runs one job. Jobs get their own deadline rather than the
// serve context so shutdown still flushes the queue.
func (r *Recorder) process(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.OpTimeout)
	defer cancel()

	_, err := r.cb.Execute(func() (struct{}, error) {
		return struct{}{}, j.fn(ctx)
	})
	switch {
	case err == nil:
		metrics.RecorderJobs.WithLabelValues(j.op, "ok").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.RecorderJobs.WithLabelValues(j.op, "rejected").Inc()
	default:
		metrics.RecorderJobs.WithLabelValues(j.op, "failed").Inc()
		r.log.Warn().Err(err).Str("op", j.op).Msg("sink write failed")
	}
}

// BreakerState reports the sink breaker as closed, half-open or open.
func (r *Recorder) BreakerState() string {
	return stateToString(r.cb.State())
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
