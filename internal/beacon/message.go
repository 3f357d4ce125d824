package beacon

// Message is one delivered copy of a bridged message on one platform.
// The origin message is represented the same way, with the id the author's
// platform assigned to it.
type Message struct {
	ID        string
	Platform  string
	Author    *User
	Server    *Server
	Channel   *Channel
	WebhookID string
	// Replies holds the ids of the messages this one replied to on its own
	// platform.
	Replies []string
}

// MessageGroup ties together every platform copy of one bridged message.
type MessageGroup struct {
	ID       string
	AuthorID string
	SpaceID  string
	// Messages is keyed by message id; a group carries one message per
	// space member it was delivered to, plus the origin message.
	Messages map[string]*Message
	// Replies holds the ids of the groups this message replied to.
	Replies []string
}

// NewMessageGroup builds an empty group for an author in a space.
func NewMessageGroup(id, authorID, spaceID string) *MessageGroup {
	return &MessageGroup{
		ID:       id,
		AuthorID: authorID,
		SpaceID:  spaceID,
		Messages: map[string]*Message{},
	}
}

// Add records a delivered message in the group.
func (g *MessageGroup) Add(msg *Message) {
	g.Messages[msg.ID] = msg
}

// MessageFor returns the group's copy delivered to the given channel, or
// nil when the group has none there.
func (g *MessageGroup) MessageFor(channelID string) *Message {
	for _, msg := range g.Messages {
		if msg.Channel != nil && msg.Channel.ID == channelID {
			return msg
		}
	}
	return nil
}

// Has reports whether the group contains the message id.
func (g *MessageGroup) Has(messageID string) bool {
	_, ok := g.Messages[messageID]
	return ok
}

// messageRecord is the persisted shape of a Message. Entities are stored
// by id and reified against drivers on load.
type messageRecord struct {
	ID        string   `json:"id"`
	Platform  string   `json:"platform"`
	AuthorID  string   `json:"author_id,omitempty"`
	ServerID  string   `json:"server_id,omitempty"`
	ChannelID string   `json:"channel_id,omitempty"`
	WebhookID string   `json:"webhook_id,omitempty"`
	Replies   []string `json:"replies,omitempty"`
}

// groupRecord is the persisted shape of a MessageGroup.
type groupRecord struct {
	ID       string   `json:"id"`
	AuthorID string   `json:"author_id,omitempty"`
	SpaceID  string   `json:"space_id,omitempty"`
	Messages []string `json:"messages"`
	Replies  []string `json:"replies,omitempty"`
}
