// Package beacon implements the bridge core: spaces, drivers, the message
// cache, eligibility checks, and cross-platform fan-out.
package beacon

import "fmt"

// Server is a platform-side guild or server.
type Server struct {
	ID       string `json:"id"`
	Platform string `json:"platform"`
	Name     string `json:"name,omitempty"`
	// FilesizeLimit is the upload cap in bytes granted by the platform to
	// this particular server, 0 when unknown.
	FilesizeLimit int64 `json:"filesize_limit,omitempty"`
}

// Channel is a messageable channel inside a server.
type Channel struct {
	ID       string  `json:"id"`
	Platform string  `json:"platform"`
	Name     string  `json:"name,omitempty"`
	Server   *Server `json:"-"`
	NSFW     bool    `json:"nsfw,omitempty"`
}

// User is a platform account.
type User struct {
	ID          string `json:"id"`
	Platform    string `json:"platform"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Bot         bool   `json:"bot,omitempty"`
}

// Display returns the name to render for the user.
func (u *User) Display() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Name
}

// Member is a user in the context of one server.
type Member struct {
	User
	Server *Server `json:"-"`
}

// Webhook is a platform webhook used to impersonate remote authors.
type Webhook struct {
	ID       string   `json:"id"`
	Platform string   `json:"platform"`
	Name     string   `json:"name,omitempty"`
	Server   *Server  `json:"-"`
	Channel  *Channel `json:"-"`
}

// File is an attachment travelling with a message. Either Data or URL is
// set depending on how the origin driver materialized it.
type File struct {
	Filename string
	Data     []byte
	URL      string
	// Media marks images and video, which some platforms render inline.
	Media   bool
	Spoiler bool
}

// BlockType discriminates content blocks.
type BlockType string

const (
	BlockText  BlockType = "text"
	BlockEmbed BlockType = "embed"
)

// ContentBlock is one renderable unit of a message.
type ContentBlock interface {
	BlockType() BlockType
}

// TextBlock is a plain text run.
type TextBlock struct {
	Content string
}

func (TextBlock) BlockType() BlockType { return BlockText }

// EmbedField is one titled field inside an embed.
type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

// EmbedBlock is a rich embed. Platforms that cannot render embeds flatten
// it to text.
type EmbedBlock struct {
	Title       string
	Description string
	URL         string
	Color       int
	// Timestamp is a unix timestamp, 0 when unset.
	Timestamp  int64
	AuthorName string
	AuthorURL  string
	AuthorIcon string
	FooterText string
	FooterIcon string
	Thumbnail  string
	Media      string
	Fields     []EmbedField
}

func (*EmbedBlock) BlockType() BlockType { return BlockEmbed }

// FilteredBlockID keys the substitute text block installed when a filter
// replaces the message body instead of blocking it.
const FilteredBlockID = "filtered_block"

type keyedBlock struct {
	id    string
	block ContentBlock
}

// MessageContent is the platform-neutral message body handed to drivers.
// Blocks are keyed and keep their insertion order.
type MessageContent struct {
	// OriginalID and OriginalChannelID identify the message on its origin
	// platform, letting fan-out skip the channel it came from.
	OriginalID        string
	OriginalChannelID string

	blocks []keyedBlock

	Files []File

	// Replies are the groups this message replies to, with the quoted
	// preview text and attachment count captured per group.
	Replies          []*MessageGroup
	ReplyContent     map[string]string
	ReplyAttachments map[string]int
}

// NewMessageContent builds an empty content body for a source message.
func NewMessageContent(originalID, originalChannelID string) *MessageContent {
	return &MessageContent{
		OriginalID:        originalID,
		OriginalChannelID: originalChannelID,
		ReplyContent:      map[string]string{},
		ReplyAttachments:  map[string]int{},
	}
}

// AddBlock appends a keyed block. Keys are unique.
func (c *MessageContent) AddBlock(id string, block ContentBlock) error {
	for _, kb := range c.blocks {
		if kb.id == id {
			return fmt.Errorf("beacon: content block %q already present", id)
		}
	}
	c.blocks = append(c.blocks, keyedBlock{id: id, block: block})
	return nil
}

// RemoveBlock drops the block with the given key, if present.
func (c *MessageContent) RemoveBlock(id string) {
	for i, kb := range c.blocks {
		if kb.id == id {
			c.blocks = append(c.blocks[:i], c.blocks[i+1:]...)
			return
		}
	}
}

// Block returns the block stored under id, or nil.
func (c *MessageContent) Block(id string) ContentBlock {
	for _, kb := range c.blocks {
		if kb.id == id {
			return kb.block
		}
	}
	return nil
}

// Blocks returns the blocks in insertion order.
func (c *MessageContent) Blocks() []ContentBlock {
	out := make([]ContentBlock, len(c.blocks))
	for i, kb := range c.blocks {
		out[i] = kb.block
	}
	return out
}

// BlockIDs returns the block keys in insertion order.
func (c *MessageContent) BlockIDs() []string {
	out := make([]string, len(c.blocks))
	for i, kb := range c.blocks {
		out[i] = kb.id
	}
	return out
}

// PlainText joins all text blocks in order with newlines. Embeds do not
// contribute.
func (c *MessageContent) PlainText() string {
	var out string
	for _, kb := range c.blocks {
		text, ok := kb.block.(TextBlock)
		if !ok {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += text.Content
	}
	return out
}

// ReplaceText removes every text block and installs a single substitute
// block in their place. Embeds and files are untouched.
func (c *MessageContent) ReplaceText(substitute string) {
	kept := c.blocks[:0]
	for _, kb := range c.blocks {
		if _, ok := kb.block.(TextBlock); ok {
			continue
		}
		kept = append(kept, kb)
	}
	c.blocks = append(kept, keyedBlock{id: FilteredBlockID, block: TextBlock{Content: substitute}})
}
