// Package discord implements the Discord platform driver.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/shinobu-chat/shinobu/internal/beacon"
)

// Platform is the driver's platform id.
const Platform = "discord"

// defaultFilesizeLimit is Discord's upload floor for servers without a
// boost tier.
const defaultFilesizeLimit = 10 * 1024 * 1024

const fileCountLimit = 10

// Driver bridges beacon operations onto a discordgo session.
type Driver struct {
	logger   *slog.Logger
	session  *discordgo.Session
	webhooks beacon.WebhookCache[*discordgo.Webhook]
}

// NewDriver wraps an opened session.
func NewDriver(log *slog.Logger, session *discordgo.Session) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{
		logger:  log.With(slog.String("driver", Platform)),
		session: session,
	}
}

func (d *Driver) Platform() string { return Platform }

func (d *Driver) Capabilities() beacon.Capabilities {
	return beacon.Capabilities{
		Parallel:       true,
		Concurrent:     true,
		AgeGate:        true,
		FileCountLimit: fileCountLimit,
		FilesizeLimit:  defaultFilesizeLimit,
	}
}

func (d *Driver) GetUser(id string) *beacon.User {
	for _, guild := range d.session.State.Guilds {
		if member, err := d.session.State.Member(guild.ID, id); err == nil && member.User != nil {
			return convertUser(member.User)
		}
	}
	return nil
}

func (d *Driver) FetchUser(ctx context.Context, id string) (*beacon.User, error) {
	user, err := d.session.User(id, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord fetch user: %w", err)
	}
	return convertUser(user), nil
}

func (d *Driver) GetServer(id string) *beacon.Server {
	guild, err := d.session.State.Guild(id)
	if err != nil {
		return nil
	}
	return convertGuild(guild)
}

func (d *Driver) FetchServer(ctx context.Context, id string) (*beacon.Server, error) {
	guild, err := d.session.Guild(id, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord fetch server: %w", err)
	}
	return convertGuild(guild), nil
}

func (d *Driver) GetChannel(server *beacon.Server, id string) (*beacon.Channel, error) {
	if server != nil {
		if err := beacon.CheckPlatform(d, server.Platform); err != nil {
			return nil, err
		}
	}
	ch, err := d.session.State.Channel(id)
	if err != nil {
		return nil, fmt.Errorf("discord channel %q: %w", id, err)
	}
	return convertChannel(ch, server), nil
}

func (d *Driver) FetchChannel(ctx context.Context, server *beacon.Server, id string) (*beacon.Channel, error) {
	if server != nil {
		if err := beacon.CheckPlatform(d, server.Platform); err != nil {
			return nil, err
		}
	}
	ch, err := d.session.Channel(id, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord fetch channel: %w", err)
	}
	return convertChannel(ch, server), nil
}

func (d *Driver) GetMember(server *beacon.Server, id string) (*beacon.Member, error) {
	if server == nil {
		return nil, fmt.Errorf("discord member lookup needs a server")
	}
	if err := beacon.CheckPlatform(d, server.Platform); err != nil {
		return nil, err
	}
	member, err := d.session.State.Member(server.ID, id)
	if err != nil {
		return nil, fmt.Errorf("discord member %q: %w", id, err)
	}
	return &beacon.Member{User: *convertUser(member.User), Server: server}, nil
}

func (d *Driver) GetWebhook(id string) *beacon.Webhook {
	hook, ok := d.webhooks.Get(id)
	if !ok {
		return nil
	}
	return convertWebhook(hook)
}

func (d *Driver) FetchWebhook(ctx context.Context, id string) (*beacon.Webhook, error) {
	hook, err := d.resolveWebhook(ctx, id)
	if err != nil {
		return nil, err
	}
	return convertWebhook(hook), nil
}

func (d *Driver) resolveWebhook(ctx context.Context, id string) (*discordgo.Webhook, error) {
	if hook, ok := d.webhooks.Get(id); ok {
		return hook, nil
	}
	hook, err := d.session.Webhook(id, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord fetch webhook: %w", err)
	}
	d.webhooks.Put(id, hook)
	return hook, nil
}

// Send delivers one copy of the content. Self-sends fabricate the origin
// message without touching the network, so the group still records it.
func (d *Driver) Send(ctx context.Context, destination *beacon.Channel, content *beacon.MessageContent, opts beacon.SendOptions) (*beacon.Message, error) {
	if destination == nil {
		return nil, fmt.Errorf("discord send needs a destination channel")
	}
	if err := beacon.CheckPlatform(d, destination.Platform); err != nil {
		return nil, err
	}

	if opts.SelfSend {
		return &beacon.Message{
			ID:       content.OriginalID,
			Platform: Platform,
			Author:   opts.SendAs,
			Server:   destination.Server,
			Channel:  destination,
		}, nil
	}

	params := d.buildWebhookParams(content, opts)

	var sent *discordgo.Message
	var err error
	if opts.WebhookID != "" {
		var hook *discordgo.Webhook
		hook, err = d.resolveWebhook(ctx, opts.WebhookID)
		if err == nil {
			sent, err = d.session.WebhookExecute(hook.ID, hook.Token, true, params, discordgo.WithContext(ctx))
			if err != nil {
				d.webhooks.Forget(opts.WebhookID)
			}
		}
	} else {
		sent, err = d.session.ChannelMessageSendComplex(destination.ID, &discordgo.MessageSend{
			Content: params.Content,
			Embeds:  params.Embeds,
			Files:   params.Files,
		}, discordgo.WithContext(ctx))
	}
	if err != nil {
		return nil, fmt.Errorf("discord send: %w", err)
	}

	return &beacon.Message{
		ID:        sent.ID,
		Platform:  Platform,
		Author:    opts.SendAs,
		Server:    destination.Server,
		Channel:   destination,
		WebhookID: opts.WebhookID,
	}, nil
}

func (d *Driver) buildWebhookParams(content *beacon.MessageContent, opts beacon.SendOptions) *discordgo.WebhookParams {
	params := &discordgo.WebhookParams{
		Content: d.renderText(content),
		Embeds:  convertEmbeds(content),
	}
	if opts.SendAs != nil {
		params.Username = opts.SendAs.Display()
		params.AvatarURL = opts.SendAs.AvatarURL
	}

	count := 0
	for _, f := range content.Files {
		if fileCountLimit > 0 && count >= fileCountLimit {
			break
		}
		if len(f.Data) == 0 {
			continue
		}
		params.Files = append(params.Files, &discordgo.File{
			Name:   f.Filename,
			Reader: strings.NewReader(string(f.Data)),
		})
		count++
	}
	return params
}

// renderText flattens the content's text blocks, prefixing a quote line
// for each reply target.
func (d *Driver) renderText(content *beacon.MessageContent) string {
	var parts []string
	for _, reply := range content.Replies {
		preview := content.ReplyContent[reply.ID]
		if preview == "" {
			continue
		}
		line := "> " + strings.ReplaceAll(preview, "\n", " ")
		if n := content.ReplyAttachments[reply.ID]; n > 0 {
			line += fmt.Sprintf(" (%d attachments)", n)
		}
		parts = append(parts, line)
	}
	if text := content.PlainText(); text != "" {
		parts = append(parts, d.SanitizeOutbound(text))
	}
	return strings.Join(parts, "\n")
}

func (d *Driver) Edit(ctx context.Context, msg *beacon.Message, content *beacon.MessageContent) error {
	if err := beacon.CheckPlatform(d, msg.Platform); err != nil {
		return err
	}
	if msg.Channel == nil {
		return fmt.Errorf("discord edit needs the message channel")
	}

	text := d.renderText(content)
	if msg.WebhookID != "" {
		hook, err := d.resolveWebhook(ctx, msg.WebhookID)
		if err != nil {
			return err
		}
		_, err = d.session.WebhookMessageEdit(hook.ID, hook.Token, msg.ID, &discordgo.WebhookEdit{
			Content: &text,
		}, discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("discord edit: %w", err)
		}
		return nil
	}

	if _, err := d.session.ChannelMessageEdit(msg.Channel.ID, msg.ID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord edit: %w", err)
	}
	return nil
}

func (d *Driver) Delete(ctx context.Context, msg *beacon.Message) error {
	if err := beacon.CheckPlatform(d, msg.Platform); err != nil {
		return err
	}
	if msg.Channel == nil {
		return fmt.Errorf("discord delete needs the message channel")
	}
	if err := d.session.ChannelMessageDelete(msg.Channel.ID, msg.ID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord delete: %w", err)
	}
	return nil
}

// SanitizeInbound normalizes line endings on text entering the bridge.
func (d *Driver) SanitizeInbound(text string) string {
	return strings.ReplaceAll(text, "\r\n", "\n")
}

// SanitizeOutbound neutralizes mass pings so bridged text cannot ping a
// destination server.
func (d *Driver) SanitizeOutbound(text string) string {
	text = strings.ReplaceAll(text, "@everyone", "@​everyone")
	return strings.ReplaceAll(text, "@here", "@​here")
}

func convertUser(u *discordgo.User) *beacon.User {
	if u == nil {
		return nil
	}
	return &beacon.User{
		ID:          u.ID,
		Platform:    Platform,
		Name:        u.Username,
		DisplayName: u.GlobalName,
		AvatarURL:   u.AvatarURL(""),
		Bot:         u.Bot,
	}
}

func convertGuild(g *discordgo.Guild) *beacon.Server {
	return &beacon.Server{
		ID:            g.ID,
		Platform:      Platform,
		Name:          g.Name,
		FilesizeLimit: boostFilesizeLimit(g.PremiumTier),
	}
}

// boostFilesizeLimit maps a guild's boost tier to its upload cap.
func boostFilesizeLimit(tier discordgo.PremiumTier) int64 {
	switch tier {
	case discordgo.PremiumTier2:
		return 50 * 1024 * 1024
	case discordgo.PremiumTier3:
		return 100 * 1024 * 1024
	default:
		return defaultFilesizeLimit
	}
}

func convertChannel(ch *discordgo.Channel, server *beacon.Server) *beacon.Channel {
	return &beacon.Channel{
		ID:       ch.ID,
		Platform: Platform,
		Name:     ch.Name,
		Server:   server,
		NSFW:     ch.NSFW,
	}
}

func convertWebhook(hook *discordgo.Webhook) *beacon.Webhook {
	return &beacon.Webhook{
		ID:       hook.ID,
		Platform: Platform,
		Name:     hook.Name,
	}
}

// embedColorFallback is used when an embed block carries no color.
const embedColorFallback = 0x2b2d31

func convertEmbeds(content *beacon.MessageContent) []*discordgo.MessageEmbed {
	var out []*discordgo.MessageEmbed
	for _, block := range content.Blocks() {
		embed, ok := block.(*beacon.EmbedBlock)
		if !ok {
			continue
		}
		converted := &discordgo.MessageEmbed{
			Title:       embed.Title,
			Description: embed.Description,
			URL:         embed.URL,
			Color:       embed.Color,
		}
		if converted.Color == 0 {
			converted.Color = embedColorFallback
		}
		if embed.Timestamp != 0 {
			converted.Timestamp = time.Unix(embed.Timestamp, 0).UTC().Format(time.RFC3339)
		}
		if embed.AuthorName != "" {
			converted.Author = &discordgo.MessageEmbedAuthor{
				Name:    embed.AuthorName,
				URL:     embed.AuthorURL,
				IconURL: embed.AuthorIcon,
			}
		}
		if embed.FooterText != "" {
			converted.Footer = &discordgo.MessageEmbedFooter{
				Text:    embed.FooterText,
				IconURL: embed.FooterIcon,
			}
		}
		if embed.Thumbnail != "" {
			converted.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: embed.Thumbnail}
		}
		if embed.Media != "" {
			converted.Image = &discordgo.MessageEmbedImage{URL: embed.Media}
		}
		for _, field := range embed.Fields {
			converted.Fields = append(converted.Fields, &discordgo.MessageEmbedField{
				Name:   field.Name,
				Value:  field.Value,
				Inline: field.Inline,
			})
		}
		out = append(out, converted)
	}
	return out
}
