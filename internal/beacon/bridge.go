package beacon

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const bridgeDocument = "bridge"

// Options wires a Core together.
type Options struct {
	Logger  *slog.Logger
	Store   DocumentStore
	Drivers *DriverRegistry
	Spaces  *SpaceRegistry
	Cache   *MessageCache
	Filters *FilterEngine
	// EnableMulti permits the parallel fan-out strategy.
	EnableMulti bool
}

// Core is the bridge itself: it owns eligibility checks and relays
// messages, edits, and deletions across a space's members.
type Core struct {
	logger      *slog.Logger
	store       DocumentStore
	drivers     *DriverRegistry
	spaces      *SpaceRegistry
	cache       *MessageCache
	filters     *FilterEngine
	enableMulti bool

	ready atomic.Bool
}

// New creates a Core. Call LoadData before relaying.
func New(opts Options) *Core {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Core{
		logger:      log.With(slog.String("component", "beacon")),
		store:       opts.Store,
		drivers:     opts.Drivers,
		spaces:      opts.Spaces,
		cache:       opts.Cache,
		filters:     opts.Filters,
		enableMulti: opts.EnableMulti,
	}
}

// Ready reports whether startup data has been loaded.
func (c *Core) Ready() bool { return c.ready.Load() }

// Drivers returns the driver registry.
func (c *Core) Drivers() *DriverRegistry { return c.drivers }

// Spaces returns the space registry.
func (c *Core) Spaces() *SpaceRegistry { return c.spaces }

// Cache returns the message cache.
func (c *Core) Cache() *MessageCache { return c.cache }

// Filters returns the filter engine.
func (c *Core) Filters() *FilterEngine { return c.filters }

// LoadData restores spaces, cache, and filter state. When driver
// reservations are still outstanding the load is deferred until the last
// one resolves, so members can be resolved against live drivers.
func (c *Core) LoadData() {
	c.drivers.OnSetup(func() {
		if err := c.loadData(); err != nil {
			c.logger.Error("startup load failed", slog.Any("error", err))
			return
		}
		c.ready.Store(true)
		c.logger.Info("bridge ready",
			slog.Any("platforms", c.drivers.Platforms()),
			slog.Int("spaces", len(c.spaces.List())))
	})
}

func (c *Core) loadData() error {
	if c.store != nil {
		var doc spacesDocument
		if err := c.store.ReadJSON(bridgeDocument, &doc); err != nil {
			return err
		}
		c.spaces.loadDocument(doc)
	}

	// Members referencing platforms whose driver never came up stay
	// partial; they are skipped during fan-out but kept in the document.
	for _, space := range c.spaces.List() {
		for _, m := range space.Members {
			m.Reify(c.drivers.Get(m.Platform))
			if m.Partial() {
				c.logger.Warn("space member left partial",
					slog.String("space", space.ID),
					slog.String("platform", m.Platform),
					slog.String("server", m.ServerID))
			}
		}
	}

	if err := c.cache.Load(c.drivers); err != nil {
		return err
	}
	return c.filters.Load()
}

// SaveSpaces persists the space document.
func (c *Core) SaveSpaces() error {
	if c.store == nil {
		return nil
	}
	return c.store.SaveJSON(bridgeDocument, c.spaces.document())
}

// CanSend checks a message's eligibility without delivering it. The
// bridge-pause directive is always consulted; filters run in dry mode
// unless skipFilters is set. A nil result means the message would relay.
func (c *Core) CanSend(author *Member, space *Space, content *MessageContent, webhookID string, skipFilters bool) (*BlockedError, error) {
	if !c.ready.Load() {
		return nil, ErrNotInitialized
	}
	if blocked := c.checkPause(author, content); blocked != nil {
		return blocked, nil
	}
	if skipFilters {
		return nil, nil
	}
	return c.filters.Check(space, &author.User, author.Server, content, webhookID, true), nil
}

func (c *Core) checkPause(author *Member, content *MessageContent) *BlockedError {
	d, ok := c.spaces.PauseDirective(author.ID)
	if ok && d.Blocks(content.PlainText()) {
		return &BlockedError{Reason: BlockedBridgePaused}
	}
	return nil
}

// Send relays a message to every member of a space and returns the group
// tying the delivered copies together. The copy addressed at the origin
// channel is fabricated rather than sent, so the group covers the origin
// platform without echoing the message back.
func (c *Core) Send(ctx context.Context, author *Member, space *Space, content *MessageContent, webhookID string) (*MessageGroup, error) {
	if !c.ready.Load() {
		return nil, ErrNotInitialized
	}

	if err := c.checkAgeGate(ctx, author, space, content); err != nil {
		return nil, err
	}
	if blocked := c.checkPause(author, content); blocked != nil {
		return nil, blocked
	}
	if blocked := c.filters.Check(space, &author.User, author.Server, content, webhookID, false); blocked != nil {
		return nil, blocked
	}

	group := NewMessageGroup(uuid.NewString(), author.ID, space.ID)
	for _, reply := range content.Replies {
		group.Replies = append(group.Replies, reply.ID)
	}

	for platform, members := range c.membersByPlatform(space) {
		drv := c.drivers.Get(platform)
		if drv == nil {
			c.logger.Warn("no driver for space member platform",
				slog.String("space", space.ID), slog.String("platform", platform))
			continue
		}

		tasks := make([]sendTask, 0, len(members))
		for _, m := range members {
			member := m
			tasks = append(tasks, func(ctx context.Context) (*Message, error) {
				opts := SendOptions{
					SendAs:    &author.User,
					WebhookID: member.WebhookID,
					SelfSend:  member.ChannelID == content.OriginalChannelID,
				}
				return drv.Send(ctx, member.Channel, content, opts)
			})
		}

		for _, msg := range c.gather(ctx, drv, tasks) {
			c.attachReplies(msg, content)
			group.Add(msg)
		}
	}

	c.cache.AddGroup(group, true)
	return group, nil
}

// checkAgeGate rejects messages whose origin channel's age gate disagrees
// with the space's, and nsfw traffic from platforms that cannot express an
// age gate at all.
func (c *Core) checkAgeGate(ctx context.Context, author *Member, space *Space, content *MessageContent) error {
	drv := c.drivers.Get(author.Platform)
	if drv == nil {
		return nil
	}
	if space.Options.NSFW && !drv.Capabilities().AgeGate {
		return ErrAgeGateMismatch
	}
	ch, err := drv.GetChannel(author.Server, content.OriginalChannelID)
	if err != nil || ch == nil {
		// Not cached yet; ask the platform before giving up on the check.
		ch, err = drv.FetchChannel(ctx, author.Server, content.OriginalChannelID)
		if err != nil || ch == nil {
			return nil
		}
	}
	if ch.NSFW != space.Options.NSFW {
		return ErrAgeGateMismatch
	}
	return nil
}

// membersByPlatform buckets a space's deliverable members. Partial members
// have no resolved channel to deliver to and are skipped.
func (c *Core) membersByPlatform(space *Space) map[string][]*SpaceMember {
	out := map[string][]*SpaceMember{}
	for _, m := range space.Members {
		if m.Partial() {
			continue
		}
		out[m.Platform] = append(out[m.Platform], m)
	}
	return out
}

// attachReplies records, on a delivered copy, the ids of the reply targets
// as they exist on that copy's own channel.
func (c *Core) attachReplies(msg *Message, content *MessageContent) {
	if msg.Channel == nil {
		return
	}
	for _, reply := range content.Replies {
		if target := reply.MessageFor(msg.Channel.ID); target != nil {
			msg.Replies = append(msg.Replies, target.ID)
		}
	}
}

type sendTask func(ctx context.Context) (*Message, error)

// gather runs a platform's delivery tasks under the strongest strategy the
// driver supports. Individual failures are logged and dropped; one bad
// destination never aborts the rest of the fan-out.
func (c *Core) gather(ctx context.Context, drv Driver, tasks []sendTask) []*Message {
	caps := drv.Capabilities()
	switch {
	case caps.Parallel && c.enableMulti:
		return c.gatherGroup(ctx, drv, tasks)
	case caps.Concurrent:
		return c.gatherGroup(ctx, drv, tasks)
	default:
		return c.gatherSequential(ctx, drv, tasks)
	}
}

func (c *Core) gatherSequential(ctx context.Context, drv Driver, tasks []sendTask) []*Message {
	out := make([]*Message, 0, len(tasks))
	for _, task := range tasks {
		msg, err := task(ctx)
		if err != nil {
			c.logDeliveryFailure(drv, err)
			continue
		}
		if msg != nil {
			out = append(out, msg)
		}
	}
	return out
}

func (c *Core) gatherGroup(ctx context.Context, drv Driver, tasks []sendTask) []*Message {
	results := make([]*Message, len(tasks))
	g, ctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			msg, err := task(ctx)
			if err != nil {
				c.logDeliveryFailure(drv, err)
				return nil
			}
			results[i] = msg
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*Message, 0, len(results))
	for _, msg := range results {
		if msg != nil {
			out = append(out, msg)
		}
	}
	return out
}

func (c *Core) logDeliveryFailure(drv Driver, err error) {
	c.logger.Error("delivery failed",
		slog.String("platform", drv.Platform()),
		slog.Any("error", err))
}

// Edit relays an origin-side edit to the other copies in the message's
// group. Unknown messages and spaces with edit relay disabled are no-ops.
func (c *Core) Edit(ctx context.Context, msg *Message, content *MessageContent) error {
	if !c.ready.Load() {
		return ErrNotInitialized
	}
	group := c.cache.GroupFromMessage(msg.ID)
	if group == nil {
		return nil
	}
	if space := c.spaces.Get(group.SpaceID); space != nil && !space.Options.RelayEdits {
		return nil
	}

	for _, copy := range group.Messages {
		if copy.ID == msg.ID {
			continue
		}
		drv := c.drivers.Get(copy.Platform)
		if drv == nil {
			continue
		}
		if err := drv.Edit(ctx, copy, content); err != nil {
			c.logDeliveryFailure(drv, err)
		}
	}
	return nil
}

// Delete relays an origin-side deletion to the other copies in the
// message's group, then drops the group from the cache. The copy matching
// the caller's message is excluded: its platform already deleted it.
func (c *Core) Delete(ctx context.Context, msg *Message) error {
	if !c.ready.Load() {
		return ErrNotInitialized
	}
	group := c.cache.GroupFromMessage(msg.ID)
	if group == nil {
		return nil
	}
	if space := c.spaces.Get(group.SpaceID); space != nil && !space.Options.RelayDeletes {
		return nil
	}

	for _, copy := range group.Messages {
		if copy.ID == msg.ID {
			continue
		}
		drv := c.drivers.Get(copy.Platform)
		if drv == nil {
			continue
		}
		if err := drv.Delete(ctx, copy); err != nil {
			c.logDeliveryFailure(drv, err)
		}
	}

	c.cache.RemoveGroup(group, true)
	return nil
}
