package group

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Registry is an immutable, ordered group set. A gift ID listed by more
// than one group belongs to the first group in declaration order.
type Registry struct {
	groups []Group
	byID   map[string]int
	owner  map[int]string
}

// NewRegistry validates groups and builds the gift ownership index.
func NewRegistry(groups []Group) (*Registry, error) {
	if err := Validate(groups); err != nil {
		return nil, err
	}

	r := &Registry{
		groups: make([]Group, len(groups)),
		byID:   make(map[string]int, len(groups)),
		owner:  make(map[int]string),
	}
	for i, g := range groups {
		r.groups[i] = g.clone()
		r.byID[g.ID] = i
		for _, giftID := range g.GiftIDs {
			if _, taken := r.owner[giftID]; !taken {
				r.owner[giftID] = g.ID
			}
		}
	}
	return r, nil
}

// Empty returns a registry with no groups.
func Empty() *Registry {
	r, _ := NewRegistry(nil)
	return r
}

// Resolve returns the group owning giftID.
func (r *Registry) Resolve(giftID int) (string, bool) {
	id, ok := r.owner[giftID]
	return id, ok
}

func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

func (r *Registry) Len() int {
	return len(r.groups)
}

// IDs returns group IDs in declaration order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.groups))
	for i, g := range r.groups {
		ids[i] = g.ID
	}
	return ids
}

// Groups returns a deep copy of the groups in declaration order.
func (r *Registry) Groups() []Group {
	out := make([]Group, len(r.groups))
	for i, g := range r.groups {
		out[i] = g.clone()
	}
	return out
}

// ParseJSON decodes a group set from either a JSON array of groups or a
// JSON object keyed by group ID. For the object form, key order in the
// document is the declaration order and the key is the group ID.
func ParseJSON(data []byte) ([]Group, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var groups []Group
		if err := json.Unmarshal(trimmed, &groups); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGroups, err)
		}
		return groups, nil
	case '{':
		return parseObject(trimmed)
	default:
		return nil, fmt.Errorf("%w: expected array or object", ErrInvalidGroups)
	}
}

func parseObject(data []byte) ([]Group, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGroups, err)
	}

	var groups []Group
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGroups, err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected token %v", ErrInvalidGroups, tok)
		}
		var g Group
		if err := dec.Decode(&g); err != nil {
			return nil, fmt.Errorf("%w: group %q: %v", ErrInvalidGroups, key, err)
		}
		g.ID = key
		groups = append(groups, g)
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGroups, err)
	}
	return groups, nil
}
