package gift

// CatalogEntry describes one gift kind seen on the feed.
type CatalogEntry struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	DiamondCost int64  `json:"diamondCost"`
	IconURL     string `json:"iconUrl,omitempty"`
}

// Catalog is an append-only, insertion-ordered set of entries keyed by ID.
// It is not safe for concurrent use; the engine owns it.
type Catalog struct {
	entries []CatalogEntry
	index   map[int]int
}

func NewCatalog() *Catalog {
	return &Catalog{index: make(map[int]int)}
}

// Add appends e if its ID is unseen and reports whether it did. Entries
// with the zero ID are never added.
func (c *Catalog) Add(e CatalogEntry) bool {
	if e.ID == 0 {
		return false
	}
	if _, ok := c.index[e.ID]; ok {
		return false
	}
	c.index[e.ID] = len(c.entries)
	c.entries = append(c.entries, e)
	return true
}

// Merge unions entries into the catalog and returns how many were new.
// Known IDs keep their existing entry.
func (c *Catalog) Merge(entries []CatalogEntry) int {
	added := 0
	for _, e := range entries {
		if c.Add(e) {
			added++
		}
	}
	return added
}

func (c *Catalog) Has(id int) bool {
	_, ok := c.index[id]
	return ok
}

func (c *Catalog) Len() int {
	return len(c.entries)
}

// Entries returns a copy of the catalog in insertion order.
func (c *Catalog) Entries() []CatalogEntry {
	out := make([]CatalogEntry, len(c.entries))
	copy(out, c.entries)
	return out
}
