package filters

import (
	"strings"

	"github.com/shinobu-chat/shinobu/internal/beacon"
)

// MassPing rejects messages that ping everyone.
type MassPing struct{}

func (*MassPing) ID() string   { return "massping" }
func (*MassPing) Name() string { return "Block Mass Pings" }
func (*MassPing) Description() string {
	return "Stops @everyone and @here pings from being bridged."
}
func (*MassPing) Configs() map[string]beacon.ConfigSpec { return nil }

func (*MassPing) Check(req *beacon.FilterRequest) beacon.FilterResult {
	text := req.Content.PlainText()
	if strings.Contains(text, "@everyone") || strings.Contains(text, "@here") {
		res := beacon.Block("Mass pings are not allowed.")
		res.ShouldLog = true
		res.ShouldContribute = true
		return res
	}
	return beacon.Allow()
}
