package beacon

import (
	"encoding/json"
	"sync"
	"testing"
)

type memStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func (s *memStore) ReadJSON(name string, v any) error {
	s.mu.Lock()
	raw, ok := s.docs[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (s *memStore) SaveJSON(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.docs == nil {
		s.docs = map[string][]byte{}
	}
	s.docs[name] = raw
	s.mu.Unlock()
	return nil
}

type boundedFilter struct {
	lastConfig map[string]any
	result     FilterResult
}

func (*boundedFilter) ID() string          { return "bounded" }
func (*boundedFilter) Name() string        { return "Bounded" }
func (*boundedFilter) Description() string { return "records the config it is handed" }

func (*boundedFilter) Configs() map[string]ConfigSpec {
	return map[string]ConfigSpec{
		"limit": {Default: 100, Min: 1, Max: 500, Bounded: true},
		"label": {Default: "none"},
	}
}

func (f *boundedFilter) Check(req *FilterRequest) FilterResult {
	f.lastConfig = req.Config
	return f.result
}

func testSpace(filters ...string) *Space {
	s := NewSpace("s1", "Test")
	s.Options.Filters = filters
	return s
}

func TestConfigFor_DefaultsAndClamping(t *testing.T) {
	t.Parallel()
	f := &boundedFilter{result: Allow()}

	cases := []struct {
		name      string
		overrides map[string]any
		wantLimit int
		wantLabel string
	}{
		{"defaults", nil, 100, "none"},
		{"override", map[string]any{"limit": 250, "label": "x"}, 250, "x"},
		{"clamp high", map[string]any{"limit": 9000}, 500, "none"},
		{"clamp low", map[string]any{"limit": -5}, 1, "none"},
		{"json number", map[string]any{"limit": float64(42)}, 42, "none"},
		{"unknown key ignored", map[string]any{"bogus": true}, 100, "none"},
		{"non-numeric ignored", map[string]any{"limit": "lots"}, 100, "none"},
	}
	for _, tc := range cases {
		cfg := configFor(f, tc.overrides)
		if got, _ := toInt(cfg["limit"]); got != tc.wantLimit {
			t.Fatalf("%s: limit = %v, want %d", tc.name, cfg["limit"], tc.wantLimit)
		}
		if cfg["label"] != tc.wantLabel {
			t.Fatalf("%s: label = %v, want %q", tc.name, cfg["label"], tc.wantLabel)
		}
	}
}

func TestFilterEngine_ConfigReachesFilter(t *testing.T) {
	t.Parallel()
	f := &boundedFilter{result: Allow()}
	engine := NewFilterEngine(nil, nil)
	engine.Register(f)

	space := testSpace("bounded")
	space.Options.FilterConfigs = map[string]map[string]any{
		"bounded": {"limit": 9000},
	}
	content := NewMessageContent("orig", "chan")

	if blocked := engine.Check(space, &User{ID: "u1"}, nil, content, "", false); blocked != nil {
		t.Fatalf("blocked = %+v", blocked)
	}
	if got, _ := toInt(f.lastConfig["limit"]); got != 500 {
		t.Fatalf("filter saw limit %v, want the clamped 500", f.lastConfig["limit"])
	}
}

func TestFilterEngine_UnknownFilterSkipped(t *testing.T) {
	t.Parallel()
	engine := NewFilterEngine(nil, nil)

	space := testSpace("missing")
	content := NewMessageContent("orig", "chan")
	if blocked := engine.Check(space, &User{ID: "u1"}, nil, content, "", false); blocked != nil {
		t.Fatalf("unknown filter should be skipped, got %+v", blocked)
	}
}

func TestFilterEngine_ContributionsPersist(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	f := &boundedFilter{result: FilterResult{Allowed: false, Message: "no", ShouldContribute: true}}
	engine := NewFilterEngine(nil, store)
	engine.Register(f)

	space := testSpace("bounded")
	server := &Server{ID: "srv"}
	for i := 0; i < 3; i++ {
		content := NewMessageContent("orig", "chan")
		if blocked := engine.Check(space, &User{ID: "u1"}, server, content, "", false); blocked == nil {
			t.Fatal("message should be blocked")
		}
	}

	restored := NewFilterEngine(nil, store)
	if err := restored.Load(); err != nil {
		t.Fatal(err)
	}
	count, _ := toInt(restored.state[contributionsKey]["bounded"]["count"])
	if count != 3 {
		t.Fatalf("contributions = %d, want 3", count)
	}
}

func TestFilterEngine_DataRoundTrip(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	f := &boundedFilter{result: FilterResult{Allowed: true, Data: map[string]any{"u1": int64(123)}}}
	engine := NewFilterEngine(nil, store)
	engine.Register(f)

	space := testSpace("bounded")
	server := &Server{ID: "srv"}
	content := NewMessageContent("orig", "chan")
	if blocked := engine.Check(space, &User{ID: "u1"}, server, content, "", false); blocked != nil {
		t.Fatalf("blocked = %+v", blocked)
	}

	restored := NewFilterEngine(nil, store)
	if err := restored.Load(); err != nil {
		t.Fatal(err)
	}
	got, _ := toInt(restored.dataFor("bounded", "srv")["u1"])
	if got != 123 {
		t.Fatalf("restored data = %v, want 123", got)
	}
}

// countingFilter returns fresh per-server state on every check, the way
// slowmode does, without touching any shared fields of its own.
type countingFilter struct{}

func (*countingFilter) ID() string                     { return "counting" }
func (*countingFilter) Name() string                   { return "Counting" }
func (*countingFilter) Description() string            { return "bumps a per-server counter" }
func (*countingFilter) Configs() map[string]ConfigSpec { return nil }

func (*countingFilter) Check(req *FilterRequest) FilterResult {
	n, _ := toInt(req.Data["n"])
	return FilterResult{
		Allowed:          true,
		Data:             map[string]any{"n": n + 1},
		ShouldContribute: true,
	}
}

func TestFilterEngine_ConcurrentChecksAndSaves(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	engine := NewFilterEngine(nil, store)
	engine.Register(&countingFilter{})

	space := testSpace("counting")
	server := &Server{ID: "srv"}

	// State writes from concurrent sends must never race the marshal
	// inside Save.
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				content := NewMessageContent("orig", "chan")
				if blocked := engine.Check(space, &User{ID: "u1"}, server, content, "", false); blocked != nil {
					t.Errorf("blocked = %+v", blocked)
					return
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		if err := engine.Save(); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()

	count, _ := toInt(engine.state[contributionsKey]["counting"]["count"])
	if count != 200 {
		t.Fatalf("contributions = %d, want 200", count)
	}
}

func TestFilterEngine_DryLeavesStateAlone(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	f := &boundedFilter{result: FilterResult{Allowed: true, Data: map[string]any{"u1": 1}}}
	engine := NewFilterEngine(nil, store)
	engine.Register(f)

	space := testSpace("bounded")
	content := NewMessageContent("orig", "chan")
	if blocked := engine.Check(space, &User{ID: "u1"}, &Server{ID: "srv"}, content, "", true); blocked != nil {
		t.Fatalf("blocked = %+v", blocked)
	}
	if len(engine.dataFor("bounded", "srv")) != 0 {
		t.Fatal("dry check must not store filter data")
	}
	if len(store.docs) != 0 {
		t.Fatal("dry check must not persist anything")
	}
}
