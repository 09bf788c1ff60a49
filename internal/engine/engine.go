package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/giftpulse/instance/internal/gift"
	"github.com/giftpulse/instance/internal/group"
	"github.com/giftpulse/instance/internal/logging"
	"github.com/giftpulse/instance/internal/metrics"
)

var (
	ErrUnknownGroup    = errors.New("group not found")
	ErrInvalidOverride = errors.New("invalid counter override")
	ErrInvalidTarget   = errors.New("invalid target")
)

// DefaultTarget is the display goal used when none is configured.
const DefaultTarget = 10000

type Options struct {
	Channel string
	Target  int64
	Groups  []group.Group

	// MaxUniqueViewers caps the unique-viewer set. Zero means unbounded.
	MaxUniqueViewers int

	Publisher Publisher
	Events    EventLogger
	Settings  SettingsSaver
}

// Engine owns all aggregation state for one instance. Every mutation,
// including event reduction, runs under a single mutex so events are
// reduced strictly in arrival order.
type Engine struct {
	mu sync.Mutex

	channel   string
	target    int64
	status    string
	sessionID string

	registry *group.Registry
	counters map[string]*group.Counter
	global   group.Counter
	catalog  *gift.Catalog

	viewers     int
	peakViewers int
	uniques     map[string]struct{}
	maxUniques  int
	capReported bool

	pub      Publisher
	events   EventLogger
	settings SettingsSaver
	log      zerolog.Logger
}

func New(opts Options) (*Engine, error) {
	registry, err := group.NewRegistry(opts.Groups)
	if err != nil {
		return nil, fmt.Errorf("loading groups: %w", err)
	}

	e := &Engine{
		channel:    opts.Channel,
		target:     opts.Target,
		status:     "DISCONNECTED",
		registry:   registry,
		catalog:    gift.NewCatalog(),
		uniques:    make(map[string]struct{}),
		maxUniques: opts.MaxUniqueViewers,
		pub:        opts.Publisher,
		events:     opts.Events,
		settings:   opts.Settings,
		log:        logging.Component("engine"),
	}
	if e.target <= 0 {
		e.target = DefaultTarget
	}
	if e.pub == nil {
		e.pub = nopPublisher{}
	}
	if e.events == nil {
		e.events = nopEventLogger{}
	}
	e.initCountersLocked()
	return e, nil
}

func (e *Engine) initCountersLocked() {
	e.counters = make(map[string]*group.Counter, e.registry.Len())
	for _, id := range e.registry.IDs() {
		e.counters[id] = &group.Counter{}
	}
}

// Reduce applies one feed event. It returns false for events that
// contribute nothing, such as intermediate streak ticks; those cause no
// side effects at all.
func (e *Engine) Reduce(ev gift.Event) (Delta, bool) {
	units, ok := ev.Units()
	if !ok {
		if ev.Streakable && !ev.RepeatEnd {
			metrics.StreakTicksDiscarded.Inc()
		}
		return Delta{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	d := Delta{GiftID: ev.GiftID, Units: units, UnitValue: ev.UnitValue()}
	e.global.Add(d.Units, d.UnitValue)
	metrics.ReducedValue.Add(float64(d.Value()))

	if e.catalog.Add(ev.Entry()) {
		d.NewGift = true
		e.pub.PublishCatalog(e.catalog.Entries())
	}

	if id, found := e.registry.Resolve(ev.GiftID); found {
		d.GroupID = id
		e.counters[id].Add(d.Units, d.UnitValue)
	}

	e.pub.PublishGift(ev)
	if e.sessionID != "" {
		e.events.LogGift(e.sessionID, ev, d.Units)
	}
	e.pub.PublishSnapshot(e.snapshotLocked())
	return d, true
}

// SetViewers records the current live viewer count.
func (e *Engine) SetViewers(n int) {
	if n < 0 {
		n = 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.viewers = n
	if n > e.peakViewers {
		e.peakViewers = n
	}
	e.pub.PublishSnapshot(e.snapshotLocked())
}

// AddViewer records a viewer joining. Repeat joins by the same viewer
// count once until the next reset. Once the unique set reaches its cap,
// unseen viewers are no longer tracked.
func (e *Engine) AddViewer(viewerID string) {
	if viewerID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, seen := e.uniques[viewerID]; seen {
		return
	}
	if e.maxUniques > 0 && len(e.uniques) >= e.maxUniques {
		if !e.capReported {
			e.log.Warn().Int("cap", e.maxUniques).Msg("unique viewer cap reached, further joins not tracked")
			e.capReported = true
		}
		return
	}
	e.uniques[viewerID] = struct{}{}
	if e.sessionID != "" {
		e.events.LogViewer(e.sessionID, viewerID)
	}
	e.pub.PublishSnapshot(e.snapshotLocked())
}

// MergeCatalog unions entries into the catalog by gift ID and returns the
// number of new entries. Observers get the full catalog when any are new.
func (e *Engine) MergeCatalog(entries []gift.CatalogEntry) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	added := e.catalog.Merge(entries)
	if added > 0 {
		e.pub.PublishCatalog(e.catalog.Entries())
	}
	return added
}

// ResetAll zeroes all counters and viewer figures. The catalog and the
// group registry are kept.
func (e *Engine) ResetAll() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.initCountersLocked()
	e.global = group.Counter{}
	e.viewers = 0
	e.peakViewers = 0
	e.uniques = make(map[string]struct{})
	e.capReported = false
	e.pub.PublishSnapshot(e.snapshotLocked())
}

// SetGroups replaces the registry. All group counters restart from zero,
// including those of groups present before and after the replace. Not
// idempotent with respect to counters.
func (e *Engine) SetGroups(groups []group.Group) error {
	registry, err := group.NewRegistry(groups)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.registry = registry
	e.initCountersLocked()
	e.saveLocked()
	e.pub.PublishSnapshot(e.snapshotLocked())
	return nil
}

// CounterPatch carries the fields an operator override sets. Nil fields
// are left unchanged.
type CounterPatch struct {
	Count    *int64
	Diamonds *int64
}

// OverrideCounter sets a group counter directly, bypassing reduction. The
// global counter is not adjusted.
func (e *Engine) OverrideCounter(groupID string, patch CounterPatch) error {
	if (patch.Count != nil && *patch.Count < 0) || (patch.Diamonds != nil && *patch.Diamonds < 0) {
		return fmt.Errorf("%w: values must not be negative", ErrInvalidOverride)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.counters[groupID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, groupID)
	}
	if patch.Count != nil {
		c.Count = *patch.Count
	}
	if patch.Diamonds != nil {
		c.Diamonds = *patch.Diamonds
	}
	e.pub.PublishSnapshot(e.snapshotLocked())
	return nil
}

// SetTarget updates the display goal. Counters are not touched.
func (e *Engine) SetTarget(target int64) error {
	if target <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTarget, target)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.target = target
	e.saveLocked()
	e.pub.PublishSnapshot(e.snapshotLocked())
	return nil
}

// SetStatus records the feed connection status shown to observers and
// broadcasts a snapshot.
func (e *Engine) SetStatus(status string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.status = status
	e.pub.PublishSnapshot(e.snapshotLocked())
}

// BindSession tags subsequent event records with sessionID. An empty ID
// stops event recording.
func (e *Engine) BindSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionID = sessionID
}

// Totals returns the figures a session is closed with.
func (e *Engine) Totals() Totals {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Totals{
		TotalGifts:    e.global.Count,
		TotalDiamonds: e.global.Diamonds,
		PeakViewers:   e.peakViewers,
		UniqueViewers: len(e.uniques),
	}
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) Catalog() []gift.CatalogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.catalog.Entries()
}

func (e *Engine) Groups() []group.Group {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.Groups()
}

// Attach runs fn with the current catalog and snapshot while state is
// locked. Registering an observer inside fn guarantees it sees no
// notification older than its initial state and misses none newer.
func (e *Engine) Attach(fn func(Snapshot, []gift.CatalogEntry)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.snapshotLocked(), e.catalog.Entries())
}

func (e *Engine) snapshotLocked() Snapshot {
	counters := make(map[string]group.Counter, len(e.counters))
	for id, c := range e.counters {
		counters[id] = *c
	}
	return Snapshot{
		Counters: counters,
		Groups:   e.registry.Groups(),
		Target:   e.target,
		Stats: Stats{
			LiveStatus:    e.status,
			Channel:       e.channel,
			SessionID:     e.sessionID,
			LiveViewers:   e.viewers,
			PeakViewers:   e.peakViewers,
			UniqueJoins:   len(e.uniques),
			TotalGifts:    e.global.Count,
			TotalDiamonds: e.global.Diamonds,
		},
	}
}

func (e *Engine) saveLocked() {
	if e.settings == nil {
		return
	}
	err := e.settings.Save(Settings{Groups: e.registry.Groups(), Target: e.target})
	if err != nil {
		e.log.Warn().Err(err).Msg("saving settings failed, change kept in memory")
	}
}
