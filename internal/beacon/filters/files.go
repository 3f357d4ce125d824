package filters

import "github.com/shinobu-chat/shinobu/internal/beacon"

// Files rejects messages carrying attachments.
type Files struct{}

func (*Files) ID() string   { return "files" }
func (*Files) Name() string { return "Block Attachments" }
func (*Files) Description() string {
	return "Stops messages with file attachments from being bridged."
}
func (*Files) Configs() map[string]beacon.ConfigSpec { return nil }

func (*Files) Check(req *beacon.FilterRequest) beacon.FilterResult {
	if len(req.Content.Files) > 0 {
		return beacon.Block("Attachments are not allowed here.")
	}
	return beacon.Allow()
}
