package engine

import (
	"errors"
	"sync"
	"testing"

	"github.com/giftpulse/instance/internal/gift"
	"github.com/giftpulse/instance/internal/group"
)

type recordingPublisher struct {
	mu        sync.Mutex
	snapshots []Snapshot
	catalogs  [][]gift.CatalogEntry
	gifts     []gift.Event
}

func (p *recordingPublisher) PublishSnapshot(s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = append(p.snapshots, s)
}

func (p *recordingPublisher) PublishCatalog(c []gift.CatalogEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.catalogs = append(p.catalogs, c)
}

func (p *recordingPublisher) PublishGift(ev gift.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gifts = append(p.gifts, ev)
}

func (p *recordingPublisher) last() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshots[len(p.snapshots)-1]
}

type recordingEvents struct {
	gifts   []string
	viewers []string
}

func (r *recordingEvents) LogGift(sessionID string, ev gift.Event, units int) {
	r.gifts = append(r.gifts, sessionID)
}

func (r *recordingEvents) LogViewer(sessionID, viewerID string) {
	r.viewers = append(r.viewers, sessionID+"/"+viewerID)
}

type memorySettings struct {
	saved []Settings
	err   error
}

func (m *memorySettings) Save(s Settings) error {
	m.saved = append(m.saved, s)
	return m.err
}

func newTestEngine(t *testing.T, groups []group.Group) (*Engine, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	e, err := New(Options{Channel: "alice", Groups: groups, Publisher: pub})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, pub
}

func roseGroups() []group.Group {
	return []group.Group{
		{ID: "roses", Name: "Roses", Goal: 100, GiftIDs: []int{5}},
		{ID: "big", Name: "Big", Goal: 1000, GiftIDs: []int{8, 9}},
	}
}

func TestReduce_StreakCountsOnlyTerminalTick(t *testing.T) {
	e, pub := newTestEngine(t, roseGroups())

	for i := 1; i <= 4; i++ {
		if _, applied := e.Reduce(gift.Event{GiftID: 5, DiamondCost: 1, RepeatCount: i, Streakable: true}); applied {
			t.Fatalf("intermediate tick %d was applied", i)
		}
	}
	d, applied := e.Reduce(gift.Event{GiftID: 5, DiamondCost: 1, RepeatCount: 5, Streakable: true, RepeatEnd: true})
	if !applied {
		t.Fatal("terminal tick was discarded")
	}
	if d.Units != 5 || d.GroupID != "roses" {
		t.Errorf("delta = %+v, want 5 units for roses", d)
	}

	snap := e.Snapshot()
	if got := snap.Counters["roses"]; got.Count != 5 || got.Diamonds != 5 {
		t.Errorf("roses counter = %+v, want {5 5}", got)
	}
	if snap.Stats.TotalGifts != 5 || snap.Stats.TotalDiamonds != 5 {
		t.Errorf("global = %d/%d, want 5/5", snap.Stats.TotalGifts, snap.Stats.TotalDiamonds)
	}
	if len(pub.gifts) != 1 {
		t.Errorf("echoed %d gifts, want 1 (discarded ticks are not echoed)", len(pub.gifts))
	}
	if len(pub.snapshots) != 1 {
		t.Errorf("published %d snapshots, want 1", len(pub.snapshots))
	}
}

func TestReduce_UngroupedContributesOnlyToGlobal(t *testing.T) {
	e, _ := newTestEngine(t, roseGroups())

	e.Reduce(gift.Event{GiftID: 7, DiamondCost: 10, RepeatCount: 3})
	e.Reduce(gift.Event{GiftID: 7, DiamondCost: 10, RepeatCount: 2})

	snap := e.Snapshot()
	if snap.Stats.TotalDiamonds != 50 {
		t.Errorf("global diamonds = %d, want 50", snap.Stats.TotalDiamonds)
	}
	for id, c := range snap.Counters {
		if c != (group.Counter{}) {
			t.Errorf("group %s changed: %+v", id, c)
		}
	}
}

func TestReduce_NonStreakDefaultsToOne(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	d, applied := e.Reduce(gift.Event{GiftID: 3, DiamondCost: 4})
	if !applied || d.Units != 1 {
		t.Fatalf("delta = %+v applied=%v, want 1 unit", d, applied)
	}
	if got := e.Snapshot().Stats.TotalDiamonds; got != 4 {
		t.Errorf("diamonds = %d, want 4", got)
	}
}

func TestReduce_GlobalEqualsSumOfAcceptedEvents(t *testing.T) {
	e, _ := newTestEngine(t, roseGroups())

	events := []gift.Event{
		{GiftID: 5, DiamondCost: 1, RepeatCount: 1, Streakable: true},
		{GiftID: 5, DiamondCost: 1, RepeatCount: 3, Streakable: true, RepeatEnd: true},
		{GiftID: 8, DiamondCost: 100, RepeatCount: 1},
		{GiftID: 9, DiamondCost: 500},
		{GiftID: 11, DiamondCost: 20, RepeatCount: 2},
		{GiftID: 12, DiamondCost: -3, RepeatCount: 2},
	}

	var want int64
	for _, ev := range events {
		if d, ok := e.Reduce(ev); ok {
			want += d.Value()
		}
	}

	snap := e.Snapshot()
	if snap.Stats.TotalDiamonds != want {
		t.Errorf("global diamonds = %d, want %d", snap.Stats.TotalDiamonds, want)
	}

	var groupSum int64
	for _, c := range snap.Counters {
		groupSum += c.Diamonds
	}
	if groupSum > snap.Stats.TotalDiamonds {
		t.Errorf("group sum %d exceeds global %d", groupSum, snap.Stats.TotalDiamonds)
	}
	if groupSum == snap.Stats.TotalDiamonds {
		t.Error("group sum equals global although ungrouped gifts were reduced")
	}
}

func TestReduce_GroupSumEqualsGlobalWhenAllGrouped(t *testing.T) {
	e, _ := newTestEngine(t, roseGroups())

	e.Reduce(gift.Event{GiftID: 5, DiamondCost: 1, RepeatCount: 2})
	e.Reduce(gift.Event{GiftID: 8, DiamondCost: 100})
	e.Reduce(gift.Event{GiftID: 9, DiamondCost: 500, RepeatCount: 3})

	snap := e.Snapshot()
	var groupSum int64
	for _, c := range snap.Counters {
		groupSum += c.Diamonds
	}
	if groupSum != snap.Stats.TotalDiamonds {
		t.Errorf("group sum %d != global %d", groupSum, snap.Stats.TotalDiamonds)
	}
}

func TestReduce_CatalogDiscovery(t *testing.T) {
	e, pub := newTestEngine(t, nil)

	d, _ := e.Reduce(gift.Event{GiftID: 5, GiftName: "Rose", DiamondCost: 1})
	if !d.NewGift {
		t.Error("first event for gift 5 did not report NewGift")
	}
	d, _ = e.Reduce(gift.Event{GiftID: 5, GiftName: "Rose", DiamondCost: 1})
	if d.NewGift {
		t.Error("second event for gift 5 reported NewGift")
	}
	if len(pub.catalogs) != 1 {
		t.Errorf("catalog published %d times, want 1", len(pub.catalogs))
	}
	if got := e.Catalog(); len(got) != 1 || got[0].Name != "Rose" {
		t.Errorf("catalog = %+v", got)
	}
}

func TestReduce_MissingGiftIDIsUngroupedAndUncatalogued(t *testing.T) {
	e, _ := newTestEngine(t, roseGroups())

	d, applied := e.Reduce(gift.Event{DiamondCost: 2, RepeatCount: 2})
	if !applied || d.GroupID != "" || d.NewGift {
		t.Errorf("delta = %+v applied=%v, want ungrouped, not catalogued", d, applied)
	}
	if len(e.Catalog()) != 0 {
		t.Error("event without gift id was added to the catalog")
	}
}

func TestReduce_LogsEventsOnlyDuringSession(t *testing.T) {
	events := &recordingEvents{}
	e, err := New(Options{Events: events})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	e.Reduce(gift.Event{GiftID: 1})
	e.BindSession("s-1")
	e.Reduce(gift.Event{GiftID: 1})
	e.Reduce(gift.Event{GiftID: 1, Streakable: true, RepeatCount: 2})
	e.BindSession("")
	e.Reduce(gift.Event{GiftID: 1})

	if len(events.gifts) != 1 || events.gifts[0] != "s-1" {
		t.Errorf("logged = %v, want [s-1]", events.gifts)
	}
}

func TestResetAll_KeepsCatalogAndGroups(t *testing.T) {
	e, _ := newTestEngine(t, roseGroups())

	e.Reduce(gift.Event{GiftID: 5, GiftName: "Rose", DiamondCost: 1, RepeatCount: 3})
	e.Reduce(gift.Event{GiftID: 7, GiftName: "Lion", DiamondCost: 10})
	e.SetViewers(40)
	e.AddViewer("u1")

	e.ResetAll()

	snap := e.Snapshot()
	if snap.Stats.TotalGifts != 0 || snap.Stats.TotalDiamonds != 0 {
		t.Errorf("global not zeroed: %+v", snap.Stats)
	}
	if snap.Stats.UniqueJoins != 0 || snap.Stats.LiveViewers != 0 || snap.Stats.PeakViewers != 0 {
		t.Errorf("viewer figures not zeroed: %+v", snap.Stats)
	}
	for id, c := range snap.Counters {
		if c != (group.Counter{}) {
			t.Errorf("group %s not zeroed: %+v", id, c)
		}
	}
	if len(snap.Counters) != 2 || len(snap.Groups) != 2 {
		t.Errorf("groups changed by reset: %d counters, %d groups", len(snap.Counters), len(snap.Groups))
	}
	if got := len(e.Catalog()); got != 2 {
		t.Errorf("catalog has %d entries after reset, want 2", got)
	}
}

func TestSetGroups_ReinitializesAllCounters(t *testing.T) {
	settings := &memorySettings{}
	e, err := New(Options{Groups: roseGroups(), Settings: settings})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.Reduce(gift.Event{GiftID: 5, DiamondCost: 1, RepeatCount: 4})

	err = e.SetGroups([]group.Group{
		{ID: "roses", Name: "Roses", GiftIDs: []int{5}},
		{ID: "new", Name: "New", GiftIDs: []int{7}},
	})
	if err != nil {
		t.Fatalf("SetGroups: %v", err)
	}

	snap := e.Snapshot()
	if got := snap.Counters["roses"]; got.Count != 0 {
		t.Errorf("surviving group kept its total: %+v", got)
	}
	if _, ok := snap.Counters["big"]; ok {
		t.Error("removed group still has a counter")
	}
	if _, ok := snap.Counters["new"]; !ok {
		t.Error("new group has no counter")
	}
	if snap.Stats.TotalGifts != 4 {
		t.Errorf("global total changed by SetGroups: %d", snap.Stats.TotalGifts)
	}
	if len(settings.saved) != 1 || len(settings.saved[0].Groups) != 2 {
		t.Errorf("settings saved = %+v", settings.saved)
	}

	e.Reduce(gift.Event{GiftID: 7, DiamondCost: 2})
	if got := e.Snapshot().Counters["new"]; got.Diamonds != 2 {
		t.Errorf("new group not resolved after replace: %+v", got)
	}
}

func TestSetGroups_InvalidLeavesStateUntouched(t *testing.T) {
	e, pub := newTestEngine(t, roseGroups())
	before := len(pub.snapshots)

	err := e.SetGroups([]group.Group{{ID: "a"}, {ID: "a"}})
	if !errors.Is(err, group.ErrInvalidGroups) {
		t.Fatalf("err = %v, want ErrInvalidGroups", err)
	}
	if got := len(e.Groups()); got != 2 {
		t.Errorf("groups = %d, want original 2", got)
	}
	if len(pub.snapshots) != before {
		t.Error("snapshot published for rejected SetGroups")
	}
}

func TestSetGroups_SaveFailureKeepsChange(t *testing.T) {
	e, err := New(Options{Settings: &memorySettings{err: errors.New("disk full")}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.SetGroups([]group.Group{{ID: "a"}}); err != nil {
		t.Fatalf("SetGroups: %v", err)
	}
	if got := len(e.Groups()); got != 1 {
		t.Errorf("groups = %d, want 1", got)
	}
}

func TestOverrideCounter(t *testing.T) {
	e, _ := newTestEngine(t, roseGroups())
	e.Reduce(gift.Event{GiftID: 5, DiamondCost: 1, RepeatCount: 2})

	count := int64(10)
	if err := e.OverrideCounter("roses", CounterPatch{Count: &count}); err != nil {
		t.Fatalf("OverrideCounter: %v", err)
	}
	got := e.Snapshot().Counters["roses"]
	if got.Count != 10 || got.Diamonds != 2 {
		t.Errorf("roses = %+v, want count overridden, diamonds kept", got)
	}

	diamonds := int64(99)
	if err := e.OverrideCounter("roses", CounterPatch{Diamonds: &diamonds}); err != nil {
		t.Fatalf("OverrideCounter: %v", err)
	}
	if got := e.Snapshot().Counters["roses"]; got.Count != 10 || got.Diamonds != 99 {
		t.Errorf("roses = %+v, want {10 99}", got)
	}
}

func TestOverrideCounter_Errors(t *testing.T) {
	e, pub := newTestEngine(t, roseGroups())
	before := len(pub.snapshots)

	count := int64(1)
	if err := e.OverrideCounter("ghost", CounterPatch{Count: &count}); !errors.Is(err, ErrUnknownGroup) {
		t.Errorf("err = %v, want ErrUnknownGroup", err)
	}
	negative := int64(-1)
	if err := e.OverrideCounter("roses", CounterPatch{Diamonds: &negative}); !errors.Is(err, ErrInvalidOverride) {
		t.Errorf("err = %v, want ErrInvalidOverride", err)
	}
	if len(pub.snapshots) != before {
		t.Error("failed override published a snapshot")
	}
}

func TestSetTarget(t *testing.T) {
	settings := &memorySettings{}
	e, err := New(Options{Settings: settings})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := e.Snapshot().Target; got != DefaultTarget {
		t.Errorf("default target = %d, want %d", got, DefaultTarget)
	}

	e.Reduce(gift.Event{GiftID: 1, DiamondCost: 3})
	if err := e.SetTarget(500); err != nil {
		t.Fatalf("SetTarget: %v", err)
	}
	snap := e.Snapshot()
	if snap.Target != 500 {
		t.Errorf("target = %d, want 500", snap.Target)
	}
	if snap.Stats.TotalDiamonds != 3 {
		t.Error("SetTarget changed counters")
	}
	if len(settings.saved) != 1 || settings.saved[0].Target != 500 {
		t.Errorf("settings saved = %+v", settings.saved)
	}

	if err := e.SetTarget(0); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("SetTarget(0) err = %v, want ErrInvalidTarget", err)
	}
	if got := e.Snapshot().Target; got != 500 {
		t.Errorf("target = %d after rejected update, want 500", got)
	}
}

func TestViewers(t *testing.T) {
	events := &recordingEvents{}
	e, err := New(Options{Events: events})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.BindSession("s-9")

	e.SetViewers(10)
	e.SetViewers(25)
	e.SetViewers(5)
	e.AddViewer("u1")
	e.AddViewer("u2")
	e.AddViewer("u1")
	e.AddViewer("")

	snap := e.Snapshot()
	if snap.Stats.LiveViewers != 5 || snap.Stats.PeakViewers != 25 {
		t.Errorf("viewers = %d peak = %d, want 5/25", snap.Stats.LiveViewers, snap.Stats.PeakViewers)
	}
	if snap.Stats.UniqueJoins != 2 {
		t.Errorf("unique joins = %d, want 2", snap.Stats.UniqueJoins)
	}
	if len(events.viewers) != 2 {
		t.Errorf("logged viewers = %v, want 2 entries", events.viewers)
	}

	totals := e.Totals()
	if totals.PeakViewers != 25 || totals.UniqueViewers != 2 {
		t.Errorf("totals = %+v", totals)
	}
}

func TestAddViewer_RespectsCap(t *testing.T) {
	e, err := New(Options{MaxUniqueViewers: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		e.AddViewer(id)
	}
	if got := e.Snapshot().Stats.UniqueJoins; got != 2 {
		t.Errorf("unique joins = %d, want cap of 2", got)
	}
}

func TestMergeCatalog(t *testing.T) {
	e, pub := newTestEngine(t, nil)
	e.Reduce(gift.Event{GiftID: 5, GiftName: "Rose", DiamondCost: 1})

	added := e.MergeCatalog([]gift.CatalogEntry{
		{ID: 5, Name: "Rose (remote)"},
		{ID: 6, Name: "TikTok"},
	})
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}
	if got := e.Catalog(); len(got) != 2 || got[0].Name != "Rose" {
		t.Errorf("catalog = %+v, want union keeping the seen entry", got)
	}

	published := len(pub.catalogs)
	e.MergeCatalog([]gift.CatalogEntry{{ID: 6, Name: "TikTok"}})
	if len(pub.catalogs) != published {
		t.Error("catalog republished although nothing was new")
	}
}

func TestSetStatusPublishesSnapshot(t *testing.T) {
	e, pub := newTestEngine(t, nil)
	e.SetStatus("CONNECTING")
	if got := pub.last().Stats.LiveStatus; got != "CONNECTING" {
		t.Errorf("liveStatus = %q, want CONNECTING", got)
	}
}

func TestAttachSeesLatestState(t *testing.T) {
	e, pub := newTestEngine(t, roseGroups())
	e.Reduce(gift.Event{GiftID: 5, GiftName: "Rose", DiamondCost: 1, RepeatCount: 2})

	var snap Snapshot
	var catalog []gift.CatalogEntry
	e.Attach(func(s Snapshot, c []gift.CatalogEntry) {
		snap, catalog = s, c
	})

	if snap.Counters["roses"] != pub.last().Counters["roses"] {
		t.Errorf("attach snapshot %+v does not match last broadcast %+v", snap.Counters, pub.last().Counters)
	}
	if len(catalog) != 1 {
		t.Errorf("attach catalog = %+v", catalog)
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	e, _ := newTestEngine(t, roseGroups())
	snap := e.Snapshot()
	snap.Counters["roses"] = group.Counter{Count: 100}
	snap.Groups[0].Name = "mutated"

	again := e.Snapshot()
	if again.Counters["roses"].Count != 0 || again.Groups[0].Name != "Roses" {
		t.Error("snapshot shares memory with engine state")
	}
}

func TestNew_RejectsInvalidGroups(t *testing.T) {
	_, err := New(Options{Groups: []group.Group{{Name: "no id"}}})
	if !errors.Is(err, group.ErrInvalidGroups) {
		t.Errorf("err = %v, want ErrInvalidGroups", err)
	}
}

func TestReduce_ConcurrentCallsAreSerialized(t *testing.T) {
	e, _ := newTestEngine(t, roseGroups())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Reduce(gift.Event{GiftID: 5, DiamondCost: 2})
		}()
	}
	wg.Wait()

	if got := e.Snapshot().Counters["roses"]; got.Count != 50 || got.Diamonds != 100 {
		t.Errorf("roses = %+v, want {50 100}", got)
	}
}
