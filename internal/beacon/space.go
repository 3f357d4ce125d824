package beacon

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// SpaceOptions is the per-space behaviour knobs.
type SpaceOptions struct {
	// Private spaces only admit members carrying a valid invite.
	// PrivateOwnerID is the user who created the private space and may
	// mint invites for it.
	Private        bool   `json:"private"`
	PrivateOwnerID string `json:"private_owner_id,omitempty"`
	// NSFW spaces only bridge channels that are themselves age-gated.
	NSFW bool `json:"nsfw"`
	// RelayEdits and RelayDeletes control whether origin-side edits and
	// deletions propagate to the other members.
	RelayEdits   bool `json:"relay_edits"`
	RelayDeletes bool `json:"relay_deletes"`
	// ConvertLargeFiles re-links attachments that exceed a destination's
	// upload cap instead of dropping them.
	ConvertLargeFiles bool `json:"convert_large_files"`
	// Filters is the ordered list of enabled filter ids; FilterConfigs holds
	// their per-space settings.
	Filters       []string                  `json:"filters,omitempty"`
	FilterConfigs map[string]map[string]any `json:"filter_configs,omitempty"`
}

// DefaultSpaceOptions returns the options a freshly created space gets.
func DefaultSpaceOptions() SpaceOptions {
	return SpaceOptions{
		RelayEdits:   true,
		RelayDeletes: true,
	}
}

// SpaceInvite admits servers into a private space.
type SpaceInvite struct {
	Code string `json:"code"`
	// Expiry is a unix timestamp; 0 means the invite never expires.
	Expiry int64 `json:"expiry,omitempty"`
	// MaxUses caps redemptions; 0 means unlimited.
	MaxUses int `json:"max_uses,omitempty"`
	Uses    int `json:"uses,omitempty"`
}

// Expired reports whether the invite can no longer be redeemed.
func (i *SpaceInvite) Expired(now time.Time) bool {
	if i.Expiry != 0 && i.Expiry <= now.Unix() {
		return true
	}
	if i.MaxUses > 0 && i.Uses >= i.MaxUses {
		return true
	}
	return false
}

// SpaceMember is one server's attachment to a space: the channel the space
// bridges into and the webhook used to impersonate remote authors there.
//
// When the member's platform driver is unavailable at load time the member
// stays partial: only the raw ids are known until Reify resolves them.
type SpaceMember struct {
	Platform   string
	ServerID   string
	ChannelID  string
	WebhookID  string
	InviteCode string

	Server  *Server
	Channel *Channel
	Webhook *Webhook
}

// Partial reports whether the member's entities still need resolving.
func (m *SpaceMember) Partial() bool {
	return m.Server == nil || (m.ChannelID != "" && m.Channel == nil)
}

// Reify fills in the member's entities from its platform driver. Partial
// members whose driver is still missing are left as they are.
func (m *SpaceMember) Reify(drv Driver) {
	if drv == nil || drv.Platform() != m.Platform {
		return
	}
	if m.Server == nil {
		m.Server = drv.GetServer(m.ServerID)
	}
	if m.Server == nil {
		return
	}
	if m.Channel == nil && m.ChannelID != "" {
		if ch, err := drv.GetChannel(m.Server, m.ChannelID); err == nil {
			m.Channel = ch
		}
	}
	if m.Webhook == nil && m.WebhookID != "" {
		m.Webhook = drv.GetWebhook(m.WebhookID)
	}
}

// Space is a logical room bridging one channel per member server.
type Space struct {
	ID      string
	Name    string
	Emoji   string
	Members []*SpaceMember
	Invites []*SpaceInvite
	// Bans holds banned server ids.
	Bans    []string
	Options SpaceOptions
}

// NewSpace creates an empty space with default options.
func NewSpace(id, name string) *Space {
	return &Space{ID: id, Name: name, Options: DefaultSpaceOptions()}
}

// Member returns the space member for a server id, or nil.
func (s *Space) Member(serverID string) *SpaceMember {
	for _, m := range s.Members {
		if m.ServerID == serverID {
			return m
		}
	}
	return nil
}

// MemberForChannel returns the member bridging the given channel, or nil.
func (s *Space) MemberForChannel(channelID string) *SpaceMember {
	for _, m := range s.Members {
		if m.ChannelID == channelID {
			return m
		}
	}
	return nil
}

// IsBanned reports whether a server id is banned from the space.
func (s *Space) IsBanned(serverID string) bool {
	for _, id := range s.Bans {
		if id == serverID {
			return true
		}
	}
	return false
}

// Invite returns the invite with the given code, or nil.
func (s *Space) Invite(code string) *SpaceInvite {
	for _, inv := range s.Invites {
		if inv.Code == code {
			return inv
		}
	}
	return nil
}

// CreateInvite mints a new invite. expiry is a unix timestamp (0 for
// never), maxUses caps redemptions (0 for unlimited).
func (s *Space) CreateInvite(expiry int64, maxUses int) (*SpaceInvite, error) {
	raw := make([]byte, 6)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	inv := &SpaceInvite{Code: hex.EncodeToString(raw), Expiry: expiry, MaxUses: maxUses}
	s.Invites = append(s.Invites, inv)
	return inv, nil
}

// DeleteInvite revokes an invite code.
func (s *Space) DeleteInvite(code string) {
	for i, inv := range s.Invites {
		if inv.Code == code {
			s.Invites = append(s.Invites[:i], s.Invites[i+1:]...)
			return
		}
	}
}

// Join admits a server into the space. The already-joined and ban checks
// run before any invite use is consumed, so a rejected join never burns a
// redemption. force bypasses the invite requirement on private spaces.
func (s *Space) Join(member *SpaceMember, inviteCode string, force bool) error {
	if s.Member(member.ServerID) != nil {
		return ErrAlreadyJoined
	}
	if s.IsBanned(member.ServerID) {
		return ErrBanned
	}
	if s.Options.Private && !force {
		if inviteCode == "" {
			return ErrNoInvite
		}
		inv := s.Invite(inviteCode)
		if inv == nil {
			return ErrInvalidInvite
		}
		if inv.Expired(time.Now()) {
			// Expired invites are reaped as soon as they are seen.
			s.DeleteInvite(inviteCode)
			return ErrInvalidInvite
		}
		inv.Uses++
		member.InviteCode = inviteCode
	}
	s.Members = append(s.Members, member)
	return nil
}

// PartialJoin admits a server whose platform driver is not registered yet.
// Only the raw ids are recorded; the member is reified once the driver
// appears. The same membership rules as Join apply.
func (s *Space) PartialJoin(platform, serverID, channelID, webhookID, inviteCode string) (*SpaceMember, error) {
	member := &SpaceMember{
		Platform:  platform,
		ServerID:  serverID,
		ChannelID: channelID,
		WebhookID: webhookID,
	}
	if err := s.Join(member, inviteCode, false); err != nil {
		return nil, err
	}
	return member, nil
}

// Leave removes a server from the space.
func (s *Space) Leave(serverID string) error {
	for i, m := range s.Members {
		if m.ServerID == serverID {
			s.Members = append(s.Members[:i], s.Members[i+1:]...)
			return nil
		}
	}
	return ErrNotJoined
}

// Ban bans a server, removing it from the space if joined.
func (s *Space) Ban(serverID string) {
	if !s.IsBanned(serverID) {
		s.Bans = append(s.Bans, serverID)
	}
	_ = s.Leave(serverID)
}

// Unban lifts a server's ban.
func (s *Space) Unban(serverID string) {
	for i, id := range s.Bans {
		if id == serverID {
			s.Bans = append(s.Bans[:i], s.Bans[i+1:]...)
			return
		}
	}
}

// spaceRecord is the persisted shape of a Space.
type spaceRecord struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Emoji   string         `json:"emoji,omitempty"`
	Members []memberRecord `json:"members"`
	Invites []*SpaceInvite `json:"invites,omitempty"`
	Bans    []string       `json:"bans,omitempty"`
	Options SpaceOptions   `json:"options"`
}

type memberRecord struct {
	Platform   string `json:"platform"`
	ServerID   string `json:"server_id"`
	ChannelID  string `json:"channel_id,omitempty"`
	WebhookID  string `json:"webhook_id,omitempty"`
	InviteCode string `json:"invite_code,omitempty"`
}

func (s *Space) record() spaceRecord {
	rec := spaceRecord{
		ID:      s.ID,
		Name:    s.Name,
		Emoji:   s.Emoji,
		Invites: s.Invites,
		Bans:    s.Bans,
		Options: s.Options,
	}
	for _, m := range s.Members {
		rec.Members = append(rec.Members, memberRecord{
			Platform:   m.Platform,
			ServerID:   m.ServerID,
			ChannelID:  m.ChannelID,
			WebhookID:  m.WebhookID,
			InviteCode: m.InviteCode,
		})
	}
	return rec
}

func spaceFromRecord(rec spaceRecord) *Space {
	s := &Space{
		ID:      rec.ID,
		Name:    rec.Name,
		Emoji:   rec.Emoji,
		Invites: rec.Invites,
		Bans:    rec.Bans,
		Options: rec.Options,
	}
	for _, m := range rec.Members {
		s.Members = append(s.Members, &SpaceMember{
			Platform:   m.Platform,
			ServerID:   m.ServerID,
			ChannelID:  m.ChannelID,
			WebhookID:  m.WebhookID,
			InviteCode: m.InviteCode,
		})
	}
	return s
}
