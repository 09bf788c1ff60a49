package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/giftpulse/instance/internal/engine"
	"github.com/giftpulse/instance/internal/gift"
	"github.com/giftpulse/instance/internal/logging"
	"github.com/giftpulse/instance/internal/metrics"
)

// Aggregator is the part of the engine the manager drives.
type Aggregator interface {
	Reduce(ev gift.Event) (engine.Delta, bool)
	SetViewers(n int)
	AddViewer(viewerID string)
	MergeCatalog(entries []gift.CatalogEntry) int
	SetStatus(status string)
	BindSession(sessionID string)
	Totals() engine.Totals
}

// SessionRecorder opens and closes session records. Both calls return
// immediately; persistence happens elsewhere.
type SessionRecorder interface {
	StartSession(instanceID string) string
	EndSession(sessionID string, totals engine.Totals)
}

type Options struct {
	InstanceID string
	Channel    string

	// ConnectTimeout bounds one subscribe attempt. Zero means no bound
	// other than an explicit Disconnect.
	ConnectTimeout time.Duration

	// CatalogTimeout bounds the catalog fetch after going online.
	CatalogTimeout time.Duration
}

// Status describes the manager's current connection.
type Status struct {
	State     State  `json:"state"`
	Channel   string `json:"channel"`
	SessionID string `json:"sessionId,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// Manager runs the connection state machine for one instance. It owns at
// most one subscription at a time and the ID of the session it belongs to.
//
// Every Disconnect and every teardown bumps a generation counter. Connect
// attempts and subscription callbacks carry the generation they started
// under, so work from an older generation is discarded and any
// subscription it produced is closed.
type Manager struct {
	feed Feed
	agg  Aggregator
	rec  SessionRecorder
	opts Options
	log  zerolog.Logger

	mu        sync.Mutex
	state     State
	gen       uint64
	cancel    context.CancelFunc
	sub       Subscription
	sessionID string
	lastErr   string

	wg sync.WaitGroup
}

func NewManager(f Feed, agg Aggregator, rec SessionRecorder, opts Options) *Manager {
	if opts.CatalogTimeout <= 0 {
		opts.CatalogTimeout = 10 * time.Second
	}
	return &Manager{
		feed:  f,
		agg:   agg,
		rec:   rec,
		opts:  opts,
		log:   logging.Component("feed").With().Str("channel", opts.Channel).Logger(),
		state: Disconnected,
	}
}

// Connect subscribes to the configured channel. It is a no-op while
// connecting or online. A failed attempt leaves the manager OFFLINE and
// returns an error wrapping ErrFeedUnavailable; a Disconnect racing the
// attempt makes it return ErrSuperseded.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Connecting || m.state == Online {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	attemptCtx, cancel := m.attemptContext(ctx)
	m.cancel = cancel
	m.lastErr = ""
	m.transitionLocked(Connecting)
	m.mu.Unlock()

	sub, err := m.feed.Subscribe(attemptCtx, m.opts.Channel, &handler{m: m, gen: gen})
	cancel()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if err == nil {
			m.closeSubscription(sub)
		}
		m.log.Info().Msg("connect attempt cancelled by disconnect")
		return ErrSuperseded
	}
	m.cancel = nil

	if err != nil {
		m.lastErr = err.Error()
		m.transitionLocked(Offline)
		m.mu.Unlock()
		m.log.Warn().Err(err).Msg("connect failed")
		if errors.Is(err, ErrFeedUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}

	m.sub = sub
	m.sessionID = m.rec.StartSession(m.opts.InstanceID)
	m.agg.BindSession(m.sessionID)
	m.transitionLocked(Online)
	sessionID := m.sessionID
	m.mu.Unlock()

	m.log.Info().Str("session", sessionID).Msg("subscribed")
	m.refreshCatalog(sub)
	return nil
}

// attemptContext derives the context for one subscribe attempt. It keeps
// ctx's values but not its cancellation: an HTTP request finishing must
// not abort the attempt, only Disconnect or the timeout may.
func (m *Manager) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if m.opts.ConnectTimeout > 0 {
		return context.WithTimeout(base, m.opts.ConnectTimeout)
	}
	return context.WithCancel(base)
}

func (m *Manager) refreshCatalog(sub Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.CatalogTimeout)
	defer cancel()

	entries, err := sub.FetchCatalog(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("catalog fetch failed, keeping discovered catalog")
		return
	}
	added := m.agg.MergeCatalog(entries)
	m.log.Debug().Int("fetched", len(entries)).Int("added", added).Msg("catalog refreshed")
}

// Disconnect tears down any subscription or pending attempt and moves to
// DISCONNECTED. Always safe to call. An open session is closed with the
// current totals.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.gen++
	cancel := m.cancel
	m.cancel = nil
	sub := m.sub
	m.sub = nil
	closing := m.takeSessionLocked()
	m.transitionLocked(Disconnected)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		if err := sub.Close(ctx); err != nil {
			m.log.Warn().Err(err).Msg("closing subscription failed")
		}
	}
	m.endSession(closing)
	return nil
}

// Close disconnects and waits for background teardown to finish.
func (m *Manager) Close(ctx context.Context) error {
	err := m.Disconnect(ctx)
	m.wg.Wait()
	return err
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:     m.state,
		Channel:   m.opts.Channel,
		SessionID: m.sessionID,
		LastError: m.lastErr,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ended handles an upstream end-of-broadcast for generation gen.
func (m *Manager) ended(gen uint64, reason string) {
	m.mu.Lock()
	if gen != m.gen || m.state != Online {
		m.mu.Unlock()
		return
	}
	m.gen++
	sub := m.sub
	m.sub = nil
	closing := m.takeSessionLocked()
	m.lastErr = reason
	m.transitionLocked(Offline)
	m.mu.Unlock()

	m.log.Info().Str("reason", reason).Msg("broadcast ended upstream")

	// Runs on the subscription's own callback goroutine, so the close
	// must not wait for it here.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.closeSubscription(sub)
		m.endSession(closing)
	}()
}

// accepts reports whether callbacks from generation gen are still live.
func (m *Manager) accepts(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && (m.state == Connecting || m.state == Online)
}

// closedSession is a session unbound from the engine, with the totals it
// had at that moment.
type closedSession struct {
	id     string
	totals engine.Totals
}

// takeSessionLocked unbinds the current session. Totals are read here,
// under m.mu, so a reconnect cannot add the next session's gifts to them.
func (m *Manager) takeSessionLocked() closedSession {
	s := closedSession{id: m.sessionID}
	m.sessionID = ""
	if s.id != "" {
		s.totals = m.agg.Totals()
		m.agg.BindSession("")
	}
	return s
}

func (m *Manager) endSession(s closedSession) {
	if s.id == "" {
		return
	}
	m.rec.EndSession(s.id, s.totals)
	m.log.Info().Str("session", s.id).Msg("session closed")
}

func (m *Manager) closeSubscription(sub Subscription) {
	if sub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sub.Close(ctx); err != nil {
		m.log.Warn().Err(err).Msg("closing subscription failed")
	}
}

func (m *Manager) transitionLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to

	metrics.FeedTransitions.WithLabelValues(from.String(), to.String()).Inc()
	metrics.FeedState.Set(float64(to))
	m.log.Info().Stringer("from", from).Stringer("to", to).Msg("feed state changed")
	m.agg.SetStatus(to.String())
}

type handler struct {
	m   *Manager
	gen uint64
}

func (h *handler) OnGift(ev gift.Event) {
	metrics.EventsReceived.WithLabelValues("gift").Inc()
	if h.m.accepts(h.gen) {
		h.m.agg.Reduce(ev)
	}
}

func (h *handler) OnViewers(count int) {
	metrics.EventsReceived.WithLabelValues("viewers").Inc()
	if h.m.accepts(h.gen) {
		h.m.agg.SetViewers(count)
	}
}

func (h *handler) OnMember(viewerID string) {
	metrics.EventsReceived.WithLabelValues("member").Inc()
	if h.m.accepts(h.gen) {
		h.m.agg.AddViewer(viewerID)
	}
}

func (h *handler) OnEnded(reason string) {
	metrics.EventsReceived.WithLabelValues("ended").Inc()
	h.m.ended(h.gen, reason)
}
