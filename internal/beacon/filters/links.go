package filters

import (
	"regexp"

	"github.com/shinobu-chat/shinobu/internal/beacon"
)

var linkPattern = regexp.MustCompile(`https?://\S+`)

// Links rejects messages containing URLs.
type Links struct{}

func (*Links) ID() string   { return "links" }
func (*Links) Name() string { return "Block Links" }
func (*Links) Description() string {
	return "Stops messages containing links from being bridged."
}
func (*Links) Configs() map[string]beacon.ConfigSpec { return nil }

func (*Links) Check(req *beacon.FilterRequest) beacon.FilterResult {
	if linkPattern.MatchString(req.Content.PlainText()) {
		res := beacon.Block("Links are not allowed here.")
		res.ShouldLog = true
		return res
	}
	return beacon.Allow()
}
