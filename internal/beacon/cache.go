package beacon

import (
	"log/slog"
	"sync"
)

// DocumentStore persists named JSON documents. The encrypted secure-file
// grants satisfy it.
type DocumentStore interface {
	ReadJSON(name string, v any) error
	SaveJSON(name string, v any) error
}

const (
	// DefaultCacheLimit bounds each cache map.
	DefaultCacheLimit = 10000

	messagesDocument = "messages"
)

// MessageCache is the bounded in-memory index of recently bridged messages
// and their groups. Both maps evict their oldest entry once the limit is
// reached. Persistence is offloaded to a background writer so relay paths
// never wait on disk.
type MessageCache struct {
	mu    sync.Mutex
	limit int

	messages     map[string]*Message
	messageOrder []string
	groups       map[string]*MessageGroup
	groupOrder   []string

	store  DocumentStore
	saves  chan struct{}
	done   chan struct{}
	logger *slog.Logger
}

// NewMessageCache creates a cache over the given store. limit <= 0 uses
// the default bound.
func NewMessageCache(log *slog.Logger, store DocumentStore, limit int) *MessageCache {
	if log == nil {
		log = slog.Default()
	}
	if limit <= 0 {
		limit = DefaultCacheLimit
	}
	c := &MessageCache{
		limit:    limit,
		messages: map[string]*Message{},
		groups:   map[string]*MessageGroup{},
		store:    store,
		saves:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   log.With(slog.String("component", "cache")),
	}
	go c.saver()
	return c
}

// saver serializes persistence. Requests arriving while a write is in
// flight coalesce into one follow-up write.
func (c *MessageCache) saver() {
	for {
		select {
		case <-c.done:
			return
		case <-c.saves:
			if err := c.Save(); err != nil {
				c.logger.Error("cache save failed", slog.Any("error", err))
			}
		}
	}
}

// Close stops the background writer.
func (c *MessageCache) Close() {
	close(c.done)
}

func (c *MessageCache) scheduleSave() {
	select {
	case c.saves <- struct{}{}:
	default:
	}
}

// AddMessage caches a message, evicting the oldest when full.
func (c *MessageCache) AddMessage(msg *Message, save bool) {
	c.mu.Lock()
	if _, ok := c.messages[msg.ID]; !ok {
		c.messageOrder = append(c.messageOrder, msg.ID)
		if len(c.messageOrder) > c.limit {
			oldest := c.messageOrder[0]
			c.messageOrder = c.messageOrder[1:]
			delete(c.messages, oldest)
		}
	}
	c.messages[msg.ID] = msg
	c.mu.Unlock()

	if save {
		c.scheduleSave()
	}
}

// AddGroup caches a group and each of its messages.
func (c *MessageCache) AddGroup(group *MessageGroup, save bool) {
	c.mu.Lock()
	if _, ok := c.groups[group.ID]; !ok {
		c.groupOrder = append(c.groupOrder, group.ID)
		if len(c.groupOrder) > c.limit {
			oldest := c.groupOrder[0]
			c.groupOrder = c.groupOrder[1:]
			delete(c.groups, oldest)
		}
	}
	c.groups[group.ID] = group
	c.mu.Unlock()

	for _, msg := range group.Messages {
		c.AddMessage(msg, false)
	}
	if save {
		c.scheduleSave()
	}
}

// GetMessage returns a cached message by id, or nil.
func (c *MessageCache) GetMessage(id string) *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages[id]
}

// GetGroup returns a cached group by id, or nil.
func (c *MessageCache) GetGroup(id string) *MessageGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groups[id]
}

// GroupFromMessage finds the group containing a message id. The scan is
// linear over the cached groups.
func (c *MessageCache) GroupFromMessage(messageID string) *MessageGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range c.groups {
		if g.Has(messageID) {
			return g
		}
	}
	return nil
}

// RemoveGroup drops a group and its messages from the cache.
func (c *MessageCache) RemoveGroup(group *MessageGroup, save bool) {
	c.mu.Lock()
	delete(c.groups, group.ID)
	for i, id := range c.groupOrder {
		if id == group.ID {
			c.groupOrder = append(c.groupOrder[:i], c.groupOrder[i+1:]...)
			break
		}
	}
	for msgID := range group.Messages {
		if _, ok := c.messages[msgID]; !ok {
			continue
		}
		delete(c.messages, msgID)
		for i, id := range c.messageOrder {
			if id == msgID {
				c.messageOrder = append(c.messageOrder[:i], c.messageOrder[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()

	if save {
		c.scheduleSave()
	}
}

// Len returns the number of cached messages and groups.
func (c *MessageCache) Len() (messages, groups int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages), len(c.groups)
}

// cacheDocument is the persisted shape of the cache.
type cacheDocument struct {
	Messages []messageRecord `json:"messages"`
	Groups   []groupRecord   `json:"groups"`
}

// Save writes the cache document synchronously.
func (c *MessageCache) Save() error {
	if c.store == nil {
		return nil
	}

	c.mu.Lock()
	doc := cacheDocument{}
	for _, id := range c.messageOrder {
		msg := c.messages[id]
		rec := messageRecord{
			ID:        msg.ID,
			Platform:  msg.Platform,
			WebhookID: msg.WebhookID,
			Replies:   msg.Replies,
		}
		if msg.Author != nil {
			rec.AuthorID = msg.Author.ID
		}
		if msg.Server != nil {
			rec.ServerID = msg.Server.ID
		}
		if msg.Channel != nil {
			rec.ChannelID = msg.Channel.ID
		}
		doc.Messages = append(doc.Messages, rec)
	}
	for _, id := range c.groupOrder {
		g := c.groups[id]
		rec := groupRecord{
			ID:       g.ID,
			AuthorID: g.AuthorID,
			SpaceID:  g.SpaceID,
			Replies:  g.Replies,
		}
		for msgID := range g.Messages {
			rec.Messages = append(rec.Messages, msgID)
		}
		doc.Groups = append(doc.Groups, rec)
	}
	c.mu.Unlock()

	return c.store.SaveJSON(messagesDocument, doc)
}

// Load replaces the cache contents from the persisted document, resolving
// entities against whatever drivers are registered.
func (c *MessageCache) Load(drivers *DriverRegistry) error {
	if c.store == nil {
		return nil
	}
	var doc cacheDocument
	if err := c.store.ReadJSON(messagesDocument, &doc); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = map[string]*Message{}
	c.messageOrder = nil
	c.groups = map[string]*MessageGroup{}
	c.groupOrder = nil

	for _, rec := range doc.Messages {
		msg := &Message{
			ID:        rec.ID,
			Platform:  rec.Platform,
			WebhookID: rec.WebhookID,
			Replies:   rec.Replies,
		}
		if drv := drivers.Get(rec.Platform); drv != nil {
			if rec.AuthorID != "" {
				msg.Author = drv.GetUser(rec.AuthorID)
			}
			if rec.ServerID != "" {
				msg.Server = drv.GetServer(rec.ServerID)
			}
			if msg.Server != nil && rec.ChannelID != "" {
				if ch, err := drv.GetChannel(msg.Server, rec.ChannelID); err == nil {
					msg.Channel = ch
				}
			}
		}
		c.messages[msg.ID] = msg
		c.messageOrder = append(c.messageOrder, msg.ID)
	}
	for _, rec := range doc.Groups {
		g := NewMessageGroup(rec.ID, rec.AuthorID, rec.SpaceID)
		g.Replies = rec.Replies
		for _, msgID := range rec.Messages {
			if msg, ok := c.messages[msgID]; ok {
				g.Messages[msgID] = msg
			}
		}
		c.groups[g.ID] = g
		c.groupOrder = append(c.groupOrder, g.ID)
	}
	return nil
}
