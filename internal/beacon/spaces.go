package beacon

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// PauseEntry matches messages by an optional prefix and suffix. Empty
// strings match everything.
type PauseEntry struct {
	Prefix string `json:"prefix,omitempty"`
	Suffix string `json:"suffix,omitempty"`
}

func (e PauseEntry) matches(text string) bool {
	return strings.HasPrefix(text, e.Prefix) && strings.HasSuffix(text, e.Suffix)
}

// PauseDirective pauses bridging for one user. Inclusive directives block
// messages that match an entry; exclusive directives are allow-lists and
// block messages that match none.
type PauseDirective struct {
	Inclusive bool         `json:"inclusive"`
	Entries   []PauseEntry `json:"entries"`
}

// Blocks reports whether the directive stops the given message text.
// Every entry is consulted; a single match decides the outcome either way.
func (d PauseDirective) Blocks(text string) bool {
	matched := false
	for _, e := range d.Entries {
		if e.matches(text) {
			matched = true
		}
	}
	if d.Inclusive {
		return matched
	}
	return !matched
}

// rawState is operator-maintained data carried through the space document
// untouched by normal operation.
type rawState struct {
	BridgePaused map[string]PauseDirective `json:"bridge_paused,omitempty"`
}

// spacesDocument is the persisted shape of the whole registry.
type spacesDocument struct {
	Spaces map[string]spaceRecord `json:"spaces"`
	Raw    rawState               `json:"raw"`
}

// SpaceRegistry holds every space and the raw operator state. Reads take a
// shared lock; mutations of a Space go through Update so persistence stays
// consistent.
type SpaceRegistry struct {
	mu     sync.RWMutex
	spaces map[string]*Space
	raw    rawState
}

// NewSpaceRegistry creates an empty registry.
func NewSpaceRegistry() *SpaceRegistry {
	return &SpaceRegistry{
		spaces: map[string]*Space{},
		raw:    rawState{BridgePaused: map[string]PauseDirective{}},
	}
}

// Add installs a space under its id.
func (r *SpaceRegistry) Add(s *Space) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.spaces[s.ID]; ok {
		return fmt.Errorf("beacon: space %q already exists", s.ID)
	}
	r.spaces[s.ID] = s
	return nil
}

// Get returns the space with the given id, or nil.
func (r *SpaceRegistry) Get(id string) *Space {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.spaces[id]
}

// Delete removes a space.
func (r *SpaceRegistry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.spaces, id)
}

// List returns every space, sorted by id.
func (r *SpaceRegistry) List() []*Space {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Space, 0, len(r.spaces))
	for _, s := range r.spaces {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SpaceForChannel finds the space bridging a channel, along with the
// member entry for it.
func (r *SpaceRegistry) SpaceForChannel(channelID string) (*Space, *SpaceMember) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.spaces {
		if m := s.MemberForChannel(channelID); m != nil {
			return s, m
		}
	}
	return nil, nil
}

// Update runs fn with the registry's write lock held, for mutations of a
// space's members, invites, or options.
func (r *SpaceRegistry) Update(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

// PauseDirective returns the bridge-pause directive for a user id.
func (r *SpaceRegistry) PauseDirective(userID string) (PauseDirective, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.raw.BridgePaused[userID]
	return d, ok
}

// SetPauseDirective installs or clears a user's bridge-pause directive.
func (r *SpaceRegistry) SetPauseDirective(userID string, d *PauseDirective) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.raw.BridgePaused == nil {
		r.raw.BridgePaused = map[string]PauseDirective{}
	}
	if d == nil {
		delete(r.raw.BridgePaused, userID)
		return
	}
	r.raw.BridgePaused[userID] = *d
}

// document snapshots the registry for persistence.
func (r *SpaceRegistry) document() spacesDocument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc := spacesDocument{Spaces: make(map[string]spaceRecord, len(r.spaces)), Raw: r.raw}
	for id, s := range r.spaces {
		doc.Spaces[id] = s.record()
	}
	return doc
}

// loadDocument replaces the registry contents from a persisted document.
// Members come back partial and are reified against drivers afterwards.
func (r *SpaceRegistry) loadDocument(doc spacesDocument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spaces = make(map[string]*Space, len(doc.Spaces))
	for id, rec := range doc.Spaces {
		if rec.ID == "" {
			rec.ID = id
		}
		r.spaces[id] = spaceFromRecord(rec)
	}
	r.raw = doc.Raw
	if r.raw.BridgePaused == nil {
		r.raw.BridgePaused = map[string]PauseDirective{}
	}
}
