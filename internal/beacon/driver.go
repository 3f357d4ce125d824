package beacon

import (
	"context"
	"sync"
)

// Capabilities describes what a platform driver can do; the core picks
// fan-out strategies and feature paths from it.
type Capabilities struct {
	// Parallel and Concurrent advertise which fan-out strategies the
	// driver's client tolerates.
	Parallel   bool
	Concurrent bool
	// AgeGate is set when the platform can mark channels as age-restricted.
	AgeGate bool
	// FileCountLimit caps attachments per message; 0 means unlimited.
	FileCountLimit int
	// FilesizeLimit is the platform-wide upload floor in bytes.
	FilesizeLimit int64
}

// SendOptions carries the delivery parameters for one outbound copy.
type SendOptions struct {
	// SendAs is the remote author the driver should impersonate, normally
	// through the member's webhook.
	SendAs    *User
	WebhookID string
	// SelfSend marks a copy addressed back at the origin channel. Drivers
	// must not emit anything for it; they fabricate a Message carrying the
	// original id so the group still covers the origin platform.
	SelfSend bool
}

// Driver is the contract every platform integration implements. Operations
// a platform cannot express return ErrDriverUnsupported.
type Driver interface {
	Platform() string
	Capabilities() Capabilities

	// Get* consult the driver's local cache; Fetch* go to the platform.
	GetUser(id string) *User
	FetchUser(ctx context.Context, id string) (*User, error)
	GetServer(id string) *Server
	FetchServer(ctx context.Context, id string) (*Server, error)
	GetChannel(server *Server, id string) (*Channel, error)
	FetchChannel(ctx context.Context, server *Server, id string) (*Channel, error)
	GetMember(server *Server, id string) (*Member, error)
	GetWebhook(id string) *Webhook
	FetchWebhook(ctx context.Context, id string) (*Webhook, error)

	// Send delivers one copy of the content to a destination channel and
	// returns the resulting platform message.
	Send(ctx context.Context, destination *Channel, content *MessageContent, opts SendOptions) (*Message, error)
	Edit(ctx context.Context, msg *Message, content *MessageContent) error
	Delete(ctx context.Context, msg *Message) error

	// SanitizeInbound strips platform markup from text entering the bridge;
	// SanitizeOutbound escapes text leaving it.
	SanitizeInbound(text string) string
	SanitizeOutbound(text string) string
}

// CheckPlatform guards cross-platform entity mixups before a driver call.
func CheckPlatform(drv Driver, platform string) error {
	if platform != "" && platform != drv.Platform() {
		return &PlatformMismatchError{Want: drv.Platform(), Got: platform}
	}
	return nil
}

// FilesizeLimit returns the effective upload cap for a server: the larger
// of the platform floor and whatever the server itself is entitled to.
func FilesizeLimit(drv Driver, server *Server) int64 {
	limit := drv.Capabilities().FilesizeLimit
	if server != nil && server.FilesizeLimit > limit {
		return server.FilesizeLimit
	}
	return limit
}

// WebhookCache memoizes resolved webhook handles so drivers do not refetch
// them on every delivery. Drivers embed it.
type WebhookCache[T any] struct {
	mu      sync.RWMutex
	entries map[string]T
}

// Get returns the cached handle for a webhook id.
func (c *WebhookCache[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[id]
	return v, ok
}

// Put stores a handle under a webhook id.
func (c *WebhookCache[T]) Put(id string, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = map[string]T{}
	}
	c.entries[id] = v
}

// Forget drops a cached handle, for when the webhook was deleted remotely.
func (c *WebhookCache[T]) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}
