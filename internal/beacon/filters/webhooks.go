package filters

import "github.com/shinobu-chat/shinobu/internal/beacon"

// Webhooks rejects messages delivered by webhooks.
type Webhooks struct{}

func (*Webhooks) ID() string   { return "webhooks" }
func (*Webhooks) Name() string { return "Block Webhooks" }
func (*Webhooks) Description() string {
	return "Stops webhook messages from talking through the bridge."
}
func (*Webhooks) Configs() map[string]beacon.ConfigSpec { return nil }

func (*Webhooks) Check(req *beacon.FilterRequest) beacon.FilterResult {
	if req.WebhookID != "" {
		return beacon.Block("Webhook messages may not talk in this Room.")
	}
	return beacon.Allow()
}
