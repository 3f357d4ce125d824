package filters

import "github.com/shinobu-chat/shinobu/internal/beacon"

// Bots rejects messages authored by bot accounts.
type Bots struct{}

func (*Bots) ID() string   { return "bots" }
func (*Bots) Name() string { return "Block Bots" }
func (*Bots) Description() string {
	return "Stops bot accounts from talking through the bridge."
}
func (*Bots) Configs() map[string]beacon.ConfigSpec { return nil }

func (*Bots) Check(req *beacon.FilterRequest) beacon.FilterResult {
	if req.Author != nil && req.Author.Bot {
		return beacon.Block("Bots may not talk in this Room.")
	}
	return beacon.Allow()
}
