package gift

// Event is one interaction delivered by the live feed. Streak-capable gifts
// arrive as a tick per repeat plus a terminal tick carrying the final count.
type Event struct {
	GiftID      int    `json:"giftId"`
	GiftName    string `json:"giftName"`
	DiamondCost int64  `json:"diamondCount"`
	SenderID    string `json:"userId,omitempty"`
	SenderName  string `json:"nickname"`
	RepeatCount int    `json:"repeatCount"`
	Streakable  bool   `json:"streakable"`
	RepeatEnd   bool   `json:"repeatEnd"`
	IconURL     string `json:"giftPictureUrl,omitempty"`
}

// Units returns how many gift units this event contributes and whether it
// contributes at all. Intermediate streak ticks contribute nothing; the
// terminal tick carries the whole streak. A non-streak gift with a missing
// or zero repeat count counts once.
func (e Event) Units() (int, bool) {
	if e.Streakable {
		if !e.RepeatEnd || e.RepeatCount <= 0 {
			return 0, false
		}
		return e.RepeatCount, true
	}
	if e.RepeatCount <= 0 {
		return 1, true
	}
	return e.RepeatCount, true
}

// UnitValue is the per-unit diamond cost, never negative.
func (e Event) UnitValue() int64 {
	if e.DiamondCost < 0 {
		return 0
	}
	return e.DiamondCost
}

// Entry returns the catalog entry describing this event's gift.
func (e Event) Entry() CatalogEntry {
	return CatalogEntry{
		ID:          e.GiftID,
		Name:        e.GiftName,
		DiamondCost: e.UnitValue(),
		IconURL:     e.IconURL,
	}
}
