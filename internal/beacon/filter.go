package beacon

import (
	"log/slog"
	"sort"
	"sync"
)

// ConfigSpec describes one configurable setting a filter exposes to space
// operators.
type ConfigSpec struct {
	Description string
	Default     any
	// Min and Max bound numeric settings when Bounded is set.
	Min     int
	Max     int
	Bounded bool
}

// FilterRequest is everything a filter may consult for one message.
type FilterRequest struct {
	Author    *User
	Server    *Server
	Content   *MessageContent
	WebhookID string
	// Config is the space's settings for this filter, with defaults
	// filled in. Data is the filter's persistent per-server state; filters
	// return replacement state through FilterResult.Data.
	Config map[string]any
	Data   map[string]any
}

// ConfigString reads a string setting.
func (r *FilterRequest) ConfigString(key string) string {
	s, _ := r.Config[key].(string)
	return s
}

// ConfigInt reads a numeric setting. JSON round-trips store numbers as
// float64, so both forms are accepted.
func (r *FilterRequest) ConfigInt(key string) int {
	switch v := r.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// FilterResult is a filter's verdict on one message.
type FilterResult struct {
	Allowed bool
	// Message is the user-facing explanation when blocked.
	Message string
	// SafeContent, when set on a rejection, downgrades it to a
	// substitution: the message's text is replaced and delivery continues.
	SafeContent *string
	// ShouldLog asks the engine to log the rejection; ShouldContribute
	// counts it toward the filter's running tally.
	ShouldLog        bool
	ShouldContribute bool
	// Data replaces the filter's per-server state when non-nil.
	Data map[string]any
}

// Allow is the verdict for an unremarkable message.
func Allow() FilterResult { return FilterResult{Allowed: true} }

// Block rejects the message with a user-facing explanation.
func Block(message string) FilterResult {
	return FilterResult{Allowed: false, Message: message}
}

// Filter inspects messages before fan-out.
type Filter interface {
	ID() string
	Name() string
	Description() string
	Configs() map[string]ConfigSpec
	Check(req *FilterRequest) FilterResult
}

const filtersDocument = "filters"

// contributionsKey indexes the per-filter rejection tallies inside the
// engine's persisted state.
const contributionsKey = "_contributions"

// FilterEngine runs a space's enabled filters in order and owns their
// persistent per-server state.
type FilterEngine struct {
	mu      sync.Mutex
	filters map[string]Filter
	// state is filter id -> server id -> filter data.
	state  map[string]map[string]map[string]any
	store  DocumentStore
	logger *slog.Logger
}

// NewFilterEngine creates an engine persisting filter state through store.
func NewFilterEngine(log *slog.Logger, store DocumentStore) *FilterEngine {
	if log == nil {
		log = slog.Default()
	}
	return &FilterEngine{
		filters: map[string]Filter{},
		state:   map[string]map[string]map[string]any{},
		store:   store,
		logger:  log.With(slog.String("component", "filters")),
	}
}

// Register installs a filter under its id.
func (e *FilterEngine) Register(f Filter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filters[f.ID()] = f
}

// Get returns a filter by id, or nil.
func (e *FilterEngine) Get(id string) Filter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filters[id]
}

// IDs returns the registered filter ids, sorted.
func (e *FilterEngine) IDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.filters))
	for id := range e.filters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// configFor merges a filter's defaults with the space's overrides,
// clamping bounded numeric settings.
func configFor(f Filter, overrides map[string]any) map[string]any {
	cfg := map[string]any{}
	specs := f.Configs()
	for key, spec := range specs {
		cfg[key] = spec.Default
	}
	for key, value := range overrides {
		spec, known := specs[key]
		if !known {
			continue
		}
		if spec.Bounded {
			n, ok := toInt(value)
			if !ok {
				continue
			}
			if n < spec.Min {
				n = spec.Min
			}
			if n > spec.Max {
				n = spec.Max
			}
			cfg[key] = n
			continue
		}
		cfg[key] = value
	}
	return cfg
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// Check runs the space's filters against a message in their configured
// order. A substitution result rewrites the content's text and delivery
// continues; a plain rejection stops at the first filter that blocks.
// dry runs the same checks without mutating content or state.
func (e *FilterEngine) Check(space *Space, author *User, server *Server, content *MessageContent, webhookID string, dry bool) *BlockedError {
	serverID := ""
	if server != nil {
		serverID = server.ID
	}

	for _, id := range space.Options.Filters {
		e.mu.Lock()
		f := e.filters[id]
		e.mu.Unlock()
		if f == nil {
			e.logger.Warn("unknown filter enabled on space",
				slog.String("space", space.ID), slog.String("filter", id))
			continue
		}

		req := &FilterRequest{
			Author:    author,
			Server:    server,
			Content:   content,
			WebhookID: webhookID,
			Config:    configFor(f, space.Options.FilterConfigs[id]),
			Data:      e.dataFor(id, serverID),
		}
		res := f.Check(req)

		if !dry {
			changed := false
			if res.Data != nil {
				e.setData(id, serverID, res.Data)
				changed = true
			}
			if res.ShouldContribute {
				e.contribute(id)
				changed = true
			}
			if changed {
				if err := e.Save(); err != nil {
					e.logger.Error("filter state save failed", slog.Any("error", err))
				}
			}
			if res.ShouldLog {
				e.logger.Info("message rejected by filter",
					slog.String("filter", id),
					slog.String("space", space.ID),
					slog.String("user", author.ID))
			}
		}

		if res.Allowed {
			continue
		}
		if res.SafeContent != nil {
			if !dry {
				content.ReplaceText(*res.SafeContent)
			}
			continue
		}
		return &BlockedError{Reason: BlockedFilter, Filter: id, Message: res.Message}
	}
	return nil
}

// dataFor returns a copy of the filter's per-server state.
func (e *FilterEngine) dataFor(filterID, serverID string) map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	data := map[string]any{}
	for k, v := range e.state[filterID][serverID] {
		data[k] = v
	}
	return data
}

func (e *FilterEngine) setData(filterID, serverID string, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state[filterID] == nil {
		e.state[filterID] = map[string]map[string]any{}
	}
	e.state[filterID][serverID] = data
}

// contribute bumps the filter's running rejection tally.
func (e *FilterEngine) contribute(filterID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state[contributionsKey] == nil {
		e.state[contributionsKey] = map[string]map[string]any{}
	}
	if e.state[contributionsKey][filterID] == nil {
		e.state[contributionsKey][filterID] = map[string]any{"count": 0}
	}
	count, _ := toInt(e.state[contributionsKey][filterID]["count"])
	e.state[contributionsKey][filterID]["count"] = count + 1
}

// Save persists the engine state. The state is deep-copied under the lock
// so the marshal never observes concurrent filter writes.
func (e *FilterEngine) Save() error {
	if e.store == nil {
		return nil
	}
	e.mu.Lock()
	snapshot := make(map[string]map[string]map[string]any, len(e.state))
	for filterID, servers := range e.state {
		serversCopy := make(map[string]map[string]any, len(servers))
		for serverID, data := range servers {
			dataCopy := make(map[string]any, len(data))
			for k, v := range data {
				dataCopy[k] = v
			}
			serversCopy[serverID] = dataCopy
		}
		snapshot[filterID] = serversCopy
	}
	e.mu.Unlock()
	return e.store.SaveJSON(filtersDocument, snapshot)
}

// Load restores the engine state.
func (e *FilterEngine) Load() error {
	if e.store == nil {
		return nil
	}
	state := map[string]map[string]map[string]any{}
	if err := e.store.ReadJSON(filtersDocument, &state); err != nil {
		return err
	}
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	return nil
}
