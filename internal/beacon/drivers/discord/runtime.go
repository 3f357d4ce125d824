package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/shinobu-chat/shinobu/internal/beacon"
)

// Runtime owns the gateway connection and turns Discord events into bridge
// operations.
type Runtime struct {
	logger *slog.Logger
	core   *beacon.Core

	session *discordgo.Session
	driver  *Driver
}

// NewRuntime builds the session for a bot token. The session is not opened
// until Run.
func NewRuntime(log *slog.Logger, core *beacon.Core, token string) (*Runtime, error) {
	if log == nil {
		log = slog.Default()
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildWebhooks |
		discordgo.IntentsMessageContent

	r := &Runtime{
		logger:  log.With(slog.String("runtime", Platform)),
		core:    core,
		session: session,
	}
	r.driver = NewDriver(log, session)

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		r.handleCreate(m)
	})
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageUpdate) {
		r.handleUpdate(m)
	})
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageDelete) {
		r.handleDelete(m)
	})
	return r, nil
}

// Driver returns the platform driver backed by this runtime's session.
func (r *Runtime) Driver() *Driver { return r.driver }

// Run opens the gateway connection, registers the driver, and blocks until
// the context ends. Credential failures come back as beacon.AuthError so
// supervision withdraws the platform instead of retrying.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.session.Open(); err != nil {
		if isAuthFailure(err) {
			return &beacon.AuthError{Platform: Platform, Err: err}
		}
		return fmt.Errorf("discord open connection: %w", err)
	}
	defer r.session.Close()

	if drv := r.core.Drivers().Get(Platform); drv == nil {
		if err := r.core.Drivers().Register(r.driver); err != nil {
			return err
		}
	}

	r.logger.Info("connected", slog.String("user", r.session.State.User.Username))
	<-ctx.Done()
	return nil
}

func isAuthFailure(err error) bool {
	if errors.Is(err, discordgo.ErrWSAlreadyOpen) {
		return false
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		code := restErr.Response.StatusCode
		return code == http.StatusUnauthorized || code == http.StatusForbidden
	}
	return strings.Contains(err.Error(), "Authentication failed")
}

// handleCreate bridges an inbound message to the rest of its space.
func (r *Runtime) handleCreate(m *discordgo.MessageCreate) {
	if m.Author == nil || m.GuildID == "" {
		return
	}
	if m.Author.ID == r.session.State.User.ID {
		return
	}

	space, member := r.core.Spaces().SpaceForChannel(m.ChannelID)
	if space == nil {
		return
	}
	// Copies we delivered ourselves come back through the member's webhook.
	if m.WebhookID != "" && m.WebhookID == member.WebhookID {
		return
	}

	author := &beacon.Member{
		User:   *convertUser(m.Author),
		Server: member.Server,
	}
	content := r.buildContent(m.Message)

	ctx := context.Background()
	group, err := r.core.Send(ctx, author, space, content, m.WebhookID)
	if err != nil {
		r.reportSendFailure(m, err)
		return
	}
	r.logger.Debug("message bridged",
		slog.String("space", space.ID),
		slog.String("group", group.ID),
		slog.Int("copies", len(group.Messages)))
}

func (r *Runtime) buildContent(m *discordgo.Message) *beacon.MessageContent {
	content := beacon.NewMessageContent(m.ID, m.ChannelID)

	if text := strings.TrimSpace(m.Content); text != "" {
		_ = content.AddBlock("content", beacon.TextBlock{Content: r.driver.SanitizeInbound(text)})
	}
	for _, att := range m.Attachments {
		content.Files = append(content.Files, beacon.File{
			Filename: att.Filename,
			URL:      att.URL,
			Media:    strings.HasPrefix(att.ContentType, "image/") || strings.HasPrefix(att.ContentType, "video/"),
		})
	}

	if ref := m.ReferencedMessage; ref != nil {
		if group := r.core.Cache().GroupFromMessage(ref.ID); group != nil {
			content.Replies = append(content.Replies, group)
			content.ReplyContent[group.ID] = previewText(ref.Content)
			content.ReplyAttachments[group.ID] = len(ref.Attachments)
		}
	}
	return content
}

const previewLength = 80

func previewText(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) > previewLength {
		return string(runes[:previewLength]) + "…"
	}
	return text
}

// reportSendFailure tells the author why their message was not bridged,
// when there is something to tell.
func (r *Runtime) reportSendFailure(m *discordgo.MessageCreate, err error) {
	var blocked *beacon.BlockedError
	if errors.As(err, &blocked) {
		if blocked.Message == "" {
			return
		}
		_, sendErr := r.session.ChannelMessageSendReply(m.ChannelID, blocked.Message, &discordgo.MessageReference{
			ChannelID: m.ChannelID,
			MessageID: m.ID,
		})
		if sendErr != nil {
			r.logger.Warn("filter notice failed", slog.Any("error", sendErr))
		}
		return
	}
	if errors.Is(err, beacon.ErrNotInitialized) || errors.Is(err, beacon.ErrAgeGateMismatch) {
		return
	}
	r.logger.Error("bridge send failed", slog.Any("error", err))
}

// handleUpdate relays edits of already bridged messages.
func (r *Runtime) handleUpdate(m *discordgo.MessageUpdate) {
	if m.Author == nil || m.Author.ID == r.session.State.User.ID {
		return
	}
	msg := r.core.Cache().GetMessage(m.ID)
	if msg == nil {
		return
	}

	content := r.buildContent(m.Message)
	if err := r.core.Edit(context.Background(), msg, content); err != nil &&
		!errors.Is(err, beacon.ErrNotInitialized) {
		r.logger.Error("bridge edit failed", slog.Any("error", err))
	}
}

// handleDelete relays deletions of already bridged messages.
func (r *Runtime) handleDelete(m *discordgo.MessageDelete) {
	msg := r.core.Cache().GetMessage(m.ID)
	if msg == nil {
		return
	}
	if err := r.core.Delete(context.Background(), msg); err != nil &&
		!errors.Is(err, beacon.ErrNotInitialized) {
		r.logger.Error("bridge delete failed", slog.Any("error", err))
	}
}
