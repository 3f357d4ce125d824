package beacon

import (
	"fmt"
	"sync"
)

// SharedObjects is a process-wide table addressing long-lived runtime
// objects (platform clients, shutdown hooks) by name. Keys are write-once.
type SharedObjects struct {
	mu      sync.RWMutex
	objects map[string]any
}

// NewSharedObjects creates an empty table.
func NewSharedObjects() *SharedObjects {
	return &SharedObjects{objects: map[string]any{}}
}

// Add stores an object under a key. Reusing a key is an error.
func (s *SharedObjects) Add(key string, obj any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; ok {
		return fmt.Errorf("beacon: shared object %q already set", key)
	}
	s.objects[key] = obj
	return nil
}

// Get returns the object stored under a key.
func (s *SharedObjects) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	return obj, ok
}

// Keys returns the stored keys.
func (s *SharedObjects) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for k := range s.objects {
		out = append(out, k)
	}
	return out
}
