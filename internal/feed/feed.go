// Package feed connects an instance to its upstream live feed.
//
// The upstream protocol is abstracted behind Feed and Subscription so the
// Manager's state machine can be driven by the websocket relay client, the
// mock generator, or a test fake.
package feed

import (
	"context"
	"errors"

	"github.com/goccy/go-json"

	"github.com/giftpulse/instance/internal/gift"
)

var (
	// ErrFeedUnavailable means the channel could not be subscribed to,
	// typically because the broadcast is not live.
	ErrFeedUnavailable = errors.New("feed unavailable")

	// ErrSuperseded means a connect attempt was cancelled by a disconnect
	// before it completed.
	ErrSuperseded = errors.New("connect attempt superseded")
)

// Feed subscribes to a named channel on the upstream live platform.
type Feed interface {
	// Subscribe blocks until the subscription is established or fails.
	// Cancelling ctx aborts the attempt. Handler callbacks may start
	// before Subscribe returns and stop once Subscription.Close returns.
	Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error)
}

// Subscription is one live attachment to a channel.
type Subscription interface {
	// FetchCatalog lists every gift kind the platform knows about.
	// Best-effort: callers treat failure as an empty catalog.
	FetchCatalog(ctx context.Context) ([]gift.CatalogEntry, error)

	// Close tears the subscription down. Safe to call more than once.
	Close(ctx context.Context) error
}

// Handler receives feed callbacks. Calls for one subscription are made
// from a single goroutine, in arrival order.
type Handler interface {
	OnGift(ev gift.Event)
	OnViewers(count int)
	OnMember(viewerID string)
	// OnEnded reports that the broadcast ended upstream.
	OnEnded(reason string)
}

// State is the connection state of an instance's feed.
type State int

const (
	Disconnected State = iota
	Connecting
	Online
	Offline
)

var stateNames = map[State]string{
	Disconnected: "DISCONNECTED",
	Connecting:   "CONNECTING",
	Online:       "ONLINE",
	Offline:      "OFFLINE",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
