package beacon

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// DriverRegistry tracks the platform drivers available to the core.
//
// Startup is two-phased: each platform runtime reserves its slot before
// connecting, then registers its driver (or unreserves on failure). When
// the last reservation resolves the registry fires its setup callback
// once, which is how the core knows every driver that will come up has.
type DriverRegistry struct {
	mu       sync.RWMutex
	drivers  map[string]Driver
	reserved map[string]struct{}

	whitelist map[string]struct{}

	setup     func()
	setupDone bool

	logger *slog.Logger
}

// NewDriverRegistry creates a registry. When whitelist is non-nil only the
// listed platforms may reserve or register.
func NewDriverRegistry(log *slog.Logger, whitelist []string) *DriverRegistry {
	if log == nil {
		log = slog.Default()
	}
	r := &DriverRegistry{
		drivers:  map[string]Driver{},
		reserved: map[string]struct{}{},
		logger:   log.With(slog.String("component", "drivers")),
	}
	if whitelist != nil {
		r.whitelist = make(map[string]struct{}, len(whitelist))
		for _, p := range whitelist {
			r.whitelist[p] = struct{}{}
		}
	}
	return r
}

func (r *DriverRegistry) allowed(platform string) bool {
	if r.whitelist == nil {
		return true
	}
	_, ok := r.whitelist[platform]
	return ok
}

// Reserve marks a platform as expected to register soon.
func (r *DriverRegistry) Reserve(platform string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.allowed(platform) {
		return fmt.Errorf("%w: %q", ErrPlatformNotAllowed, platform)
	}
	if _, ok := r.reserved[platform]; ok {
		return fmt.Errorf("beacon: platform %q already reserved", platform)
	}
	r.reserved[platform] = struct{}{}
	return nil
}

// Unreserve withdraws a reservation for a platform that failed to start.
// Resolving the last reservation fires the setup callback.
func (r *DriverRegistry) Unreserve(platform string) {
	r.mu.Lock()
	delete(r.reserved, platform)
	cb := r.takeSetupLocked()
	r.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Register installs a driver, resolving the platform's reservation.
func (r *DriverRegistry) Register(drv Driver) error {
	platform := drv.Platform()

	r.mu.Lock()
	if !r.allowed(platform) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrPlatformNotAllowed, platform)
	}
	if _, ok := r.drivers[platform]; ok {
		r.mu.Unlock()
		return fmt.Errorf("beacon: driver for %q already registered", platform)
	}
	r.drivers[platform] = drv
	delete(r.reserved, platform)
	cb := r.takeSetupLocked()
	r.mu.Unlock()

	r.logger.Info("driver registered", slog.String("platform", platform))
	if cb != nil {
		cb()
	}
	return nil
}

// Remove drops a platform's driver. silent suppresses the log line, for
// removals triggered by auth failures already reported elsewhere.
func (r *DriverRegistry) Remove(platform string, silent bool) {
	r.mu.Lock()
	_, ok := r.drivers[platform]
	delete(r.drivers, platform)
	r.mu.Unlock()

	if ok && !silent {
		r.logger.Info("driver removed", slog.String("platform", platform))
	}
}

// Get returns the driver for a platform, or nil.
func (r *DriverRegistry) Get(platform string) Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.drivers[platform]
}

// Platforms returns the registered platform ids, sorted.
func (r *DriverRegistry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for p := range r.drivers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Ready reports whether every reservation has resolved.
func (r *DriverRegistry) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.reserved) == 0
}

// OnSetup installs the callback fired once when the last reservation
// resolves. If no reservations are outstanding it runs immediately.
func (r *DriverRegistry) OnSetup(fn func()) {
	r.mu.Lock()
	if len(r.reserved) == 0 {
		if r.setupDone {
			r.mu.Unlock()
			return
		}
		r.setupDone = true
		r.mu.Unlock()
		fn()
		return
	}
	r.setup = fn
	r.mu.Unlock()
}

// takeSetupLocked returns the setup callback if this resolution was the
// last outstanding reservation, arming it to never fire again.
func (r *DriverRegistry) takeSetupLocked() func() {
	if len(r.reserved) != 0 || r.setup == nil || r.setupDone {
		return nil
	}
	r.setupDone = true
	cb := r.setup
	r.setup = nil
	return cb
}
