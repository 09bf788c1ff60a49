// Package relay implements feed.Feed against a websocket relay that bridges
// the live platform's push connection.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/giftpulse/instance/internal/feed"
	"github.com/giftpulse/instance/internal/gift"
	"github.com/giftpulse/instance/internal/logging"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 60 * time.Second
)

// Frame types sent by the relay.
const (
	FrameRoom      = "room"
	FrameError     = "error"
	FrameGift      = "gift"
	FrameViewers   = "viewers"
	FrameMember    = "member"
	FrameStreamEnd = "streamEnd"
)

type Config struct {
	RelayURL   string
	CatalogURL string

	WriteTimeout time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration

	Dialer     *websocket.Dialer
	HTTPClient *http.Client
}

// Client dials one relay connection per subscription.
type Client struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config) *Client {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{cfg: cfg, log: logging.Component("relay")}
}

// frame is the envelope of every relay message. Gift frames carry the
// gift.Event fields at the top level.
type frame struct {
	Type   string `json:"type"`
	Live   bool   `json:"live,omitempty"`
	Error  string `json:"error,omitempty"`
	Count  int    `json:"count,omitempty"`
	UserID string `json:"userId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Subscribe dials the relay for channel and waits for the room frame. A
// relay error frame, a room that is not live, or a dial failure return an
// error wrapping feed.ErrFeedUnavailable.
func (c *Client) Subscribe(ctx context.Context, channel string, h feed.Handler) (feed.Subscription, error) {
	u, err := withChannel(c.cfg.RelayURL, channel)
	if err != nil {
		return nil, err
	}

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: relay rejected dial: %s", feed.ErrFeedUnavailable, resp.Status)
		}
		return nil, fmt.Errorf("%w: dial relay: %v", feed.ErrFeedUnavailable, err)
	}

	// The handshake read has no deadline of its own; cancelling ctx closes
	// the connection underneath it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	_, data, err := conn.ReadMessage()
	if !stop() {
		conn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: reading room frame: %v", feed.ErrFeedUnavailable, err)
	}

	var first frame
	if err := json.Unmarshal(data, &first); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: malformed room frame: %v", feed.ErrFeedUnavailable, err)
	}
	switch {
	case first.Type == FrameError:
		conn.Close()
		return nil, fmt.Errorf("%w: %s", feed.ErrFeedUnavailable, first.Error)
	case first.Type != FrameRoom:
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected first frame %q", feed.ErrFeedUnavailable, first.Type)
	case !first.Live:
		conn.Close()
		return nil, fmt.Errorf("%w: %s is not live", feed.ErrFeedUnavailable, channel)
	}

	s := &subscription{
		client:   c,
		channel:  channel,
		conn:     conn,
		handler:  h,
		done:     make(chan struct{}),
		stopPing: make(chan struct{}),
		log:      c.log.With().Str("channel", channel).Logger(),
	}
	go s.readLoop()
	go s.pingLoop()
	return s, nil
}

type subscription struct {
	client  *Client
	channel string
	conn    *websocket.Conn
	handler feed.Handler
	log     zerolog.Logger

	// mu is held while a callback runs, so Close returning means no
	// callback is in flight or will start.
	mu     sync.Mutex
	closed bool

	writeMu  sync.Mutex
	done     chan struct{}
	stopPing chan struct{}
	stopOnce sync.Once
}

func (s *subscription) readLoop() {
	defer close(s.done)
	defer s.stopOnce.Do(func() { close(s.stopPing) })

	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.client.cfg.PongTimeout))
	})
	s.conn.SetReadDeadline(time.Now().Add(s.client.cfg.PongTimeout))

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.deliver(func(h feed.Handler) { h.OnEnded("relay connection lost: " + err.Error()) })
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Debug().Err(err).Msg("skipping malformed frame")
			continue
		}

		switch f.Type {
		case FrameGift:
			var ev gift.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				s.log.Debug().Err(err).Msg("skipping malformed gift frame")
				continue
			}
			s.deliver(func(h feed.Handler) { h.OnGift(ev) })
		case FrameViewers:
			s.deliver(func(h feed.Handler) { h.OnViewers(f.Count) })
		case FrameMember:
			s.deliver(func(h feed.Handler) { h.OnMember(f.UserID) })
		case FrameStreamEnd:
			reason := f.Reason
			if reason == "" {
				reason = "stream ended"
			}
			s.deliver(func(h feed.Handler) { h.OnEnded(reason) })
			return
		default:
			// Unknown frame types are ignored.
		}
	}
}

// deliver runs fn unless the subscription has been closed.
func (s *subscription) deliver(fn func(feed.Handler)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	fn(s.handler)
}

func (s *subscription) pingLoop() {
	ticker := time.NewTicker(s.client.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopPing:
			return
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *subscription) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.client.cfg.WriteTimeout))
	return s.conn.WriteMessage(messageType, data)
}

// Close sends a close frame and waits for the read loop to exit or ctx to
// end. Safe to call more than once, but not from inside a Handler callback.
func (s *subscription) Close(ctx context.Context) error {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()

	if !already {
		s.stopOnce.Do(func() { close(s.stopPing) })
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unsubscribe")
		if err := s.write(websocket.CloseMessage, msg); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.log.Debug().Err(err).Msg("close frame not sent")
		}
		s.conn.Close()
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FetchCatalog asks the catalog endpoint for every gift kind available on
// the channel.
func (s *subscription) FetchCatalog(ctx context.Context) ([]gift.CatalogEntry, error) {
	if s.client.cfg.CatalogURL == "" {
		return nil, errors.New("no catalog url configured")
	}
	u, err := withChannel(s.client.cfg.CatalogURL, s.channel)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching catalog: unexpected status %s", resp.Status)
	}

	var entries []gift.CatalogEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}
	return entries, nil
}

func withChannel(raw, channel string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing url %q: %w", raw, err)
	}
	q := u.Query()
	q.Set("channel", channel)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
