// Package mock provides a synthetic feed for demos and tests. It needs no
// upstream platform and produces streak and single gifts, viewer counts
// and member joins on a fixed tick.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/giftpulse/instance/internal/feed"
	"github.com/giftpulse/instance/internal/gift"
)

// OfflineChannel never goes live. Subscribing to it fails the way a real
// channel that is not broadcasting does.
const OfflineChannel = "offline"

type mockGift struct {
	entry      gift.CatalogEntry
	streakable bool
}

var gifts = []mockGift{
	{gift.CatalogEntry{ID: 5655, Name: "Rose", DiamondCost: 1}, true},
	{gift.CatalogEntry{ID: 5269, Name: "TikTok", DiamondCost: 1}, true},
	{gift.CatalogEntry{ID: 6064, Name: "GG", DiamondCost: 1}, true},
	{gift.CatalogEntry{ID: 5827, Name: "Ice Cream Cone", DiamondCost: 1}, true},
	{gift.CatalogEntry{ID: 5879, Name: "Doughnut", DiamondCost: 30}, true},
	{gift.CatalogEntry{ID: 6104, Name: "Cap", DiamondCost: 99}, false},
	{gift.CatalogEntry{ID: 6751, Name: "Sports Car", DiamondCost: 7000}, false},
	{gift.CatalogEntry{ID: 6369, Name: "Lion", DiamondCost: 29999}, false},
}

// Catalog returns the fixed catalog the generator draws from.
func Catalog() []gift.CatalogEntry {
	out := make([]gift.CatalogEntry, len(gifts))
	for i, g := range gifts {
		out[i] = g.entry
	}
	return out
}

type Config struct {
	Interval time.Duration
	// Seed fixes the random sequence. Zero seeds from the clock.
	Seed int64
	// Audience is the size of the simulated viewer pool.
	Audience int
}

// Feed implements feed.Feed with a Generator per subscription.
type Feed struct {
	cfg Config
}

func New(cfg Config) *Feed {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.Audience <= 0 {
		cfg.Audience = 200
	}
	return &Feed{cfg: cfg}
}

func (f *Feed) Subscribe(ctx context.Context, channel string, h feed.Handler) (feed.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if channel == OfflineChannel {
		return nil, fmt.Errorf("%w: %s is not live", feed.ErrFeedUnavailable, channel)
	}

	seed := f.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		gen:    NewGenerator(seed, f.cfg.Audience),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(runCtx, f.cfg.Interval, h)
	return s, nil
}

type subscription struct {
	gen    *Generator
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) run(ctx context.Context, interval time.Duration, h feed.Handler) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.gen.Step(h)
		}
	}
}

func (s *subscription) FetchCatalog(ctx context.Context) ([]gift.CatalogEntry, error) {
	return Catalog(), nil
}

// Close stops the generator. No callback runs after it returns.
func (s *subscription) Close(ctx context.Context) error {
	s.once.Do(s.cancel)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type streak struct {
	gift   mockGift
	sender int
	count  int
	length int
}

// Generator produces a deterministic event sequence for a given seed.
type Generator struct {
	rng      *rand.Rand
	audience int
	tick     int
	viewers  int
	streak   *streak
}

func NewGenerator(seed int64, audience int) *Generator {
	if audience <= 0 {
		audience = 1
	}
	return &Generator{
		rng:      rand.New(rand.NewSource(seed)),
		audience: audience,
		viewers:  audience / 4,
	}
}

// Step advances the simulation one tick and delivers what happened to h.
func (g *Generator) Step(h feed.Handler) {
	g.tick++

	if g.tick%5 == 1 {
		g.viewers += g.rng.Intn(21) - 8
		if g.viewers < 0 {
			g.viewers = 0
		}
		h.OnViewers(g.viewers)
	}

	if g.rng.Intn(3) == 0 {
		h.OnMember(viewerID(g.rng.Intn(g.audience)))
	}

	// An open streak keeps ticking until it ends; nothing else is sent
	// meanwhile.
	if g.streak != nil {
		g.streak.count++
		g.emitStreak(h)
		return
	}

	if g.rng.Intn(2) != 0 {
		return
	}
	mg := gifts[g.rng.Intn(len(gifts))]
	sender := g.rng.Intn(g.audience)

	if !mg.streakable {
		h.OnGift(event(mg, sender, 1, false))
		return
	}
	g.streak = &streak{gift: mg, sender: sender, count: 1, length: 1 + g.rng.Intn(12)}
	g.emitStreak(h)
}

func (g *Generator) emitStreak(h feed.Handler) {
	s := g.streak
	end := s.count >= s.length
	h.OnGift(event(s.gift, s.sender, s.count, end))
	if end {
		g.streak = nil
	}
}

func event(mg mockGift, sender, count int, end bool) gift.Event {
	return gift.Event{
		GiftID:      mg.entry.ID,
		GiftName:    mg.entry.Name,
		DiamondCost: mg.entry.DiamondCost,
		SenderID:    viewerID(sender),
		SenderName:  fmt.Sprintf("Viewer %d", sender),
		RepeatCount: count,
		Streakable:  mg.streakable,
		RepeatEnd:   mg.streakable && end,
	}
}

func viewerID(n int) string {
	return fmt.Sprintf("viewer-%d", n)
}
