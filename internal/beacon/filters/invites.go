package filters

import (
	"strings"

	"github.com/shinobu-chat/shinobu/internal/beacon"
)

// inviteMarkers are the link shapes platforms hand out for server invites.
var inviteMarkers = []string{
	"discord.gg/",
	"discord.com/invite/",
	"discordapp.com/invite/",
	"rvlt.gg",
	"fluxer.gg",
}

// Invites rejects messages containing server invite links.
type Invites struct{}

func (*Invites) ID() string   { return "invites" }
func (*Invites) Name() string { return "Block Invites" }
func (*Invites) Description() string {
	return "Stops server invite links from being bridged."
}
func (*Invites) Configs() map[string]beacon.ConfigSpec { return nil }

func (*Invites) Check(req *beacon.FilterRequest) beacon.FilterResult {
	text := strings.ToLower(req.Content.PlainText())
	for _, marker := range inviteMarkers {
		if strings.Contains(text, marker) {
			res := beacon.Block("Server invites are not allowed here.")
			res.ShouldLog = true
			res.ShouldContribute = true
			return res
		}
	}
	return beacon.Allow()
}
