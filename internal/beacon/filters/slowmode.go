package filters

import (
	"fmt"
	"time"

	"github.com/shinobu-chat/shinobu/internal/beacon"
)

// Slowmode limits how often each user may bridge a message, tracked per
// server.
type Slowmode struct {
	// now is swapped out in tests.
	now func() time.Time
}

func (*Slowmode) ID() string   { return "slowmode" }
func (*Slowmode) Name() string { return "Slowmode" }
func (*Slowmode) Description() string {
	return "Limits how often each user may send a bridged message."
}

func (*Slowmode) Configs() map[string]beacon.ConfigSpec {
	return map[string]beacon.ConfigSpec{
		"seconds": {
			Description: "Seconds each user must wait between messages.",
			Default:     5,
			Min:         0,
			Max:         3600,
			Bounded:     true,
		},
	}
}

func (s *Slowmode) Check(req *beacon.FilterRequest) beacon.FilterResult {
	clock := s.now
	if clock == nil {
		clock = time.Now
	}
	seconds := req.ConfigInt("seconds")
	now := clock().Unix()

	if last, ok := lastSent(req.Data, req.Author.ID); ok {
		remaining := int64(seconds) - (now - last)
		if remaining > 0 {
			res := beacon.Block(fmt.Sprintf("Slowmode is enabled. Try again in %d seconds.", remaining))
			res.ShouldLog = true
			return res
		}
	}

	data := req.Data
	if data == nil {
		data = map[string]any{}
	}
	data[req.Author.ID] = now
	res := beacon.Allow()
	res.Data = data
	return res
}

// lastSent reads a user's last-message timestamp out of the filter data,
// which arrives as float64 after a JSON round-trip.
func lastSent(data map[string]any, userID string) (int64, bool) {
	switch v := data[userID].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}
