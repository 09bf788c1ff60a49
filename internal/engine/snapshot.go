package engine

import (
	"github.com/giftpulse/instance/internal/gift"
	"github.com/giftpulse/instance/internal/group"
)

// Snapshot is the full aggregation state sent to observers. It is always
// complete; observers never need earlier messages to interpret it.
type Snapshot struct {
	Counters map[string]group.Counter `json:"counters"`
	Groups   []group.Group            `json:"groups"`
	Target   int64                    `json:"target"`
	Stats    Stats                    `json:"stats"`
}

// Stats carries the instance-wide figures of a snapshot.
type Stats struct {
	LiveStatus    string `json:"liveStatus"`
	Channel       string `json:"username"`
	SessionID     string `json:"sessionId,omitempty"`
	LiveViewers   int    `json:"liveViewers"`
	PeakViewers   int    `json:"peakViewers"`
	UniqueJoins   int    `json:"uniqueJoins"`
	TotalGifts    int64  `json:"totalGifts"`
	TotalDiamonds int64  `json:"totalDiamonds"`
}

// Totals is what a finished session is closed with.
type Totals struct {
	TotalGifts    int64
	TotalDiamonds int64
	PeakViewers   int
	UniqueViewers int
}

// Delta describes what one reduced event added.
type Delta struct {
	GiftID    int
	GroupID   string // empty when the gift is ungrouped
	Units     int
	UnitValue int64
	NewGift   bool // the gift was added to the catalog by this event
}

// Value is the diamond value the delta contributed.
func (d Delta) Value() int64 {
	return d.UnitValue * int64(d.Units)
}

// Publisher receives every outbound notification. Implementations must not
// block; they are called while engine state is locked so that observers see
// notifications in mutation order.
type Publisher interface {
	PublishSnapshot(Snapshot)
	PublishCatalog([]gift.CatalogEntry)
	PublishGift(gift.Event)
}

// EventLogger persists per-event records. Calls must not block.
type EventLogger interface {
	LogGift(sessionID string, ev gift.Event, units int)
	LogViewer(sessionID, viewerID string)
}

// Settings is the durable part of the state: operator groups and target.
type Settings struct {
	Groups []group.Group `yaml:"groups"`
	Target int64         `yaml:"target"`
}

// SettingsSaver persists operator settings after they change.
type SettingsSaver interface {
	Save(Settings) error
}

type nopPublisher struct{}

func (nopPublisher) PublishSnapshot(Snapshot)           {}
func (nopPublisher) PublishCatalog([]gift.CatalogEntry) {}
func (nopPublisher) PublishGift(gift.Event)             {}

type nopEventLogger struct{}

func (nopEventLogger) LogGift(string, gift.Event, int) {}
func (nopEventLogger) LogViewer(string, string)        {}
