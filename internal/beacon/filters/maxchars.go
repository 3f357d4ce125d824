package filters

import (
	"fmt"
	"unicode/utf8"

	"github.com/shinobu-chat/shinobu/internal/beacon"
)

const maxCharsCeiling = 2000

// MaxChars rejects messages longer than a configured character count.
type MaxChars struct{}

func (*MaxChars) ID() string   { return "maxchars" }
func (*MaxChars) Name() string { return "Limit Message Length" }
func (*MaxChars) Description() string {
	return "Stops messages over a configurable length from being bridged."
}

func (*MaxChars) Configs() map[string]beacon.ConfigSpec {
	return map[string]beacon.ConfigSpec{
		"limit": {
			Description: "Maximum number of characters a message may have.",
			Default:     maxCharsCeiling,
			Min:         0,
			Max:         maxCharsCeiling,
			Bounded:     true,
		},
	}
}

func (*MaxChars) Check(req *beacon.FilterRequest) beacon.FilterResult {
	limit := req.ConfigInt("limit")
	if utf8.RuneCountInString(req.Content.PlainText()) > limit {
		res := beacon.Block(fmt.Sprintf("Your message should be %d characters or less.", limit))
		res.ShouldLog = true
		return res
	}
	return beacon.Allow()
}
