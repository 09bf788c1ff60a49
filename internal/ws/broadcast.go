package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/giftpulse/instance/internal/engine"
	"github.com/giftpulse/instance/internal/gift"
	"github.com/giftpulse/instance/internal/logging"
	"github.com/giftpulse/instance/internal/metrics"
)

// ErrTooManyObservers is returned by Attach when the observer limit is reached.
var ErrTooManyObservers = errors.New("too many observers")

const (
	defaultQueueSize    = 16
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
)

// Conn is the part of a websocket connection the hub writes to.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// StateSource hands out the initial state for a newly attached observer.
// The engine satisfies it.
type StateSource interface {
	Attach(fn func(engine.Snapshot, []gift.CatalogEntry))
}

type HubOptions struct {
	// QueueSize bounds each observer's pending event echoes. On overflow
	// the oldest echo is dropped; the latest snapshot and catalog stay.
	QueueSize    int
	WriteTimeout time.Duration
	PingInterval time.Duration
	// MaxObservers limits attached observers. Zero means unlimited.
	MaxObservers int
}

type queued struct {
	typ  MessageType
	data []byte
}

// Observer is one attached consumer. Writes happen on its own goroutine,
// so a slow observer only ever delays itself.
type Observer struct {
	hub    *Hub
	conn   Conn
	remote string

	mu     sync.Mutex
	queue  []queued
	closed bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newObserver(h *Hub, conn Conn, remote string) *Observer {
	return &Observer{
		hub:    h,
		conn:   conn,
		remote: remote,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// enqueue adds a message without blocking. A full-replacement message
// evicts queued messages of its own type, then the oldest event echoes
// are dropped until the queue is back within its bound.
func (o *Observer) enqueue(typ MessageType, data []byte) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	dropped := 0
	if typ.Supersedes() {
		kept := o.queue[:0]
		for _, q := range o.queue {
			if q.typ == typ {
				dropped++
				continue
			}
			kept = append(kept, q)
		}
		o.queue = kept
	}
	o.queue = append(o.queue, queued{typ: typ, data: data})
	if over := len(o.queue) - o.hub.opts.QueueSize; over > 0 {
		dropped += o.trimLocked(over)
	}
	o.mu.Unlock()

	if dropped > 0 {
		metrics.ObserverMessagesDropped.Add(float64(dropped))
		o.hub.log.Debug().Str("remote", o.remote).Int("dropped", dropped).Msg("observer queue overflow")
	}
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// trimLocked drops up to n of the oldest event echoes. Snapshots and
// catalogs are never evicted; coalescing keeps at most one of each.
func (o *Observer) trimLocked(n int) int {
	dropped := 0
	kept := o.queue[:0]
	for _, q := range o.queue {
		if dropped < n && !q.typ.Supersedes() {
			dropped++
			continue
		}
		kept = append(kept, q)
	}
	for i := len(kept); i < len(o.queue); i++ {
		o.queue[i] = queued{}
	}
	o.queue = kept
	return dropped
}

func (o *Observer) next() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return nil, false
	}
	msg := o.queue[0]
	o.queue[0] = queued{}
	o.queue = o.queue[1:]
	return msg.data, true
}

// pending returns how many messages are waiting to be written.
func (o *Observer) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *Observer) writePump() {
	ticker := time.NewTicker(o.hub.opts.PingInterval)
	defer func() {
		ticker.Stop()
		o.conn.Close()
		o.hub.Detach(o)
	}()

	for {
		select {
		case <-o.done:
			return
		case <-o.wake:
			for {
				data, ok := o.next()
				if !ok {
					break
				}
				if err := o.write(websocket.TextMessage, data); err != nil {
					o.hub.log.Debug().Err(err).Str("remote", o.remote).Msg("observer write failed")
					return
				}
			}
		case <-ticker.C:
			if err := o.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (o *Observer) write(messageType int, data []byte) error {
	o.conn.SetWriteDeadline(time.Now().Add(o.hub.opts.WriteTimeout))
	return o.conn.WriteMessage(messageType, data)
}

func (o *Observer) stop() {
	o.mu.Lock()
	o.closed = true
	o.queue = nil
	o.mu.Unlock()
	o.once.Do(func() { close(o.done) })
}

// Hub fans engine notifications out to attached observers. It implements
// engine.Publisher; every publish is non-blocking.
type Hub struct {
	opts HubOptions
	log  zerolog.Logger
	seq  atomic.Uint64

	mu        sync.RWMutex
	observers map[*Observer]struct{}
}

func NewHub(opts HubOptions) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	return &Hub{
		opts:      opts,
		log:       logging.Component("hub"),
		observers: make(map[*Observer]struct{}),
	}
}

// Attach registers conn as an observer. Its first messages are the current
// catalog and a full snapshot, taken atomically with registration so no
// broadcast is missed or seen out of order.
func (h *Hub) Attach(conn Conn, remote string, src StateSource) (*Observer, error) {
	o := newObserver(h, conn, remote)

	var err error
	src.Attach(func(snap engine.Snapshot, catalog []gift.CatalogEntry) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.opts.MaxObservers > 0 && len(h.observers) >= h.opts.MaxObservers {
			err = ErrTooManyObservers
			return
		}
		if data, ok := h.encode(MsgCatalog, catalog); ok {
			o.enqueue(MsgCatalog, data)
		}
		if data, ok := h.encode(MsgSnapshot, snap); ok {
			o.enqueue(MsgSnapshot, data)
		}
		h.observers[o] = struct{}{}
		metrics.Observers.Set(float64(len(h.observers)))
	})
	if err != nil {
		return nil, err
	}

	go o.writePump()
	h.log.Debug().Str("remote", remote).Msg("observer attached")
	return o, nil
}

// Detach removes o. Safe to call more than once.
func (h *Hub) Detach(o *Observer) {
	h.mu.Lock()
	_, ok := h.observers[o]
	delete(h.observers, o)
	metrics.Observers.Set(float64(len(h.observers)))
	h.mu.Unlock()

	o.stop()
	if ok {
		h.log.Debug().Str("remote", o.remote).Msg("observer detached")
	}
}

// Close detaches every observer.
func (h *Hub) Close() {
	h.mu.RLock()
	observers := make([]*Observer, 0, len(h.observers))
	for o := range h.observers {
		observers = append(observers, o)
	}
	h.mu.RUnlock()

	for _, o := range observers {
		h.Detach(o)
	}
}

func (h *Hub) PublishSnapshot(s engine.Snapshot) {
	h.broadcast(MsgSnapshot, s)
}

func (h *Hub) PublishCatalog(entries []gift.CatalogEntry) {
	h.broadcast(MsgCatalog, entries)
}

func (h *Hub) PublishGift(ev gift.Event) {
	h.broadcast(MsgEventEcho, ev)
}

func (h *Hub) broadcast(typ MessageType, payload interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.observers) == 0 {
		return
	}

	data, ok := h.encode(typ, payload)
	if !ok {
		return
	}
	for o := range h.observers {
		o.enqueue(typ, data)
	}
	metrics.Broadcasts.WithLabelValues(string(typ)).Inc()
}

func (h *Hub) encode(typ MessageType, payload interface{}) ([]byte, bool) {
	data, err := json.Marshal(WSMessage{Type: typ, Seq: h.seq.Add(1), Payload: payload})
	if err != nil {
		h.log.Error().Err(err).Str("type", string(typ)).Msg("encoding observer message failed")
		return nil, false
	}
	return data, true
}

func (h *Hub) ObserverCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Full reports whether the observer limit has been reached.
func (h *Hub) Full() bool {
	if h.opts.MaxObservers <= 0 {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers) >= h.opts.MaxObservers
}
