// Package filters holds the built-in message filters spaces can enable.
package filters

import "github.com/shinobu-chat/shinobu/internal/beacon"

// All returns one instance of every built-in filter, in registration
// order.
func All() []beacon.Filter {
	return []beacon.Filter{
		&Bots{},
		&Files{},
		&Invites{},
		&Links{},
		&MassPing{},
		&MaxChars{},
		&Slowmode{},
		&Swearing{},
		&Webhooks{},
	}
}

// RegisterAll installs every built-in filter on an engine.
func RegisterAll(engine *beacon.FilterEngine) {
	for _, f := range All() {
		engine.Register(f)
	}
}
