package revolt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/shinobu-chat/shinobu/internal/beacon"
)

// Platform is the driver's platform id.
const Platform = "revolt"

// defaultFilesizeLimit is Revolt's attachment cap.
const defaultFilesizeLimit = 20 * 1024 * 1024

const fileCountLimit = 5

// Driver bridges beacon operations onto the Revolt API. Impersonation uses
// message masquerades instead of webhooks, so webhook lookups resolve to
// nothing and sends ignore the webhook id.
type Driver struct {
	logger *slog.Logger
	client *Client

	mu       sync.RWMutex
	users    map[string]*beacon.User
	servers  map[string]*beacon.Server
	channels map[string]*apiChannel
}

// NewDriver wraps a REST client. Entity caches are fed by the runtime's
// Ready event.
func NewDriver(log *slog.Logger, client *Client) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{
		logger:   log.With(slog.String("driver", Platform)),
		client:   client,
		users:    map[string]*beacon.User{},
		servers:  map[string]*beacon.Server{},
		channels: map[string]*apiChannel{},
	}
}

func (d *Driver) Platform() string { return Platform }

func (d *Driver) Capabilities() beacon.Capabilities {
	return beacon.Capabilities{
		Concurrent:     true,
		AgeGate:        true,
		FileCountLimit: fileCountLimit,
		FilesizeLimit:  defaultFilesizeLimit,
	}
}

func (d *Driver) cacheUser(u *apiUser) *beacon.User {
	user := convertUser(u)
	d.mu.Lock()
	d.users[user.ID] = user
	d.mu.Unlock()
	return user
}

func (d *Driver) cacheServer(s *apiServer) *beacon.Server {
	server := convertServer(s)
	d.mu.Lock()
	d.servers[server.ID] = server
	d.mu.Unlock()
	return server
}

func (d *Driver) cacheChannel(ch *apiChannel) {
	d.mu.Lock()
	d.channels[ch.ID] = ch
	d.mu.Unlock()
}

func (d *Driver) GetUser(id string) *beacon.User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.users[id]
}

func (d *Driver) FetchUser(ctx context.Context, id string) (*beacon.User, error) {
	user, err := d.client.FetchUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("revolt fetch user: %w", err)
	}
	return d.cacheUser(user), nil
}

func (d *Driver) GetServer(id string) *beacon.Server {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.servers[id]
}

func (d *Driver) FetchServer(ctx context.Context, id string) (*beacon.Server, error) {
	server, err := d.client.FetchServer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("revolt fetch server: %w", err)
	}
	return d.cacheServer(server), nil
}

func (d *Driver) GetChannel(server *beacon.Server, id string) (*beacon.Channel, error) {
	if server != nil {
		if err := beacon.CheckPlatform(d, server.Platform); err != nil {
			return nil, err
		}
	}
	d.mu.RLock()
	ch, ok := d.channels[id]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("revolt channel %q not cached", id)
	}
	return convertChannel(ch, server), nil
}

func (d *Driver) FetchChannel(ctx context.Context, server *beacon.Server, id string) (*beacon.Channel, error) {
	if server != nil {
		if err := beacon.CheckPlatform(d, server.Platform); err != nil {
			return nil, err
		}
	}
	ch, err := d.client.FetchChannel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("revolt fetch channel: %w", err)
	}
	d.cacheChannel(ch)
	return convertChannel(ch, server), nil
}

func (d *Driver) GetMember(server *beacon.Server, id string) (*beacon.Member, error) {
	if server == nil {
		return nil, fmt.Errorf("revolt member lookup needs a server")
	}
	if err := beacon.CheckPlatform(d, server.Platform); err != nil {
		return nil, err
	}
	user := d.GetUser(id)
	if user == nil {
		return nil, fmt.Errorf("revolt user %q not cached", id)
	}
	return &beacon.Member{User: *user, Server: server}, nil
}

// GetWebhook always misses: Revolt impersonation goes through masquerades.
func (d *Driver) GetWebhook(id string) *beacon.Webhook { return nil }

func (d *Driver) FetchWebhook(ctx context.Context, id string) (*beacon.Webhook, error) {
	return nil, beacon.ErrDriverUnsupported
}

func (d *Driver) Send(ctx context.Context, destination *beacon.Channel, content *beacon.MessageContent, opts beacon.SendOptions) (*beacon.Message, error) {
	if destination == nil {
		return nil, fmt.Errorf("revolt send needs a destination channel")
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

	payload := sendMessagePayload{
		Content: d.renderText(content),
		Embeds:  convertEmbeds(content),
	}
	if opts.SendAs != nil {
		payload.Masquerade = &apiMasquerade{
			Name:   opts.SendAs.Display(),
			Avatar: opts.SendAs.AvatarURL,
		}
	}

	count := 0
	for _, f := range content.Files {
		if count >= fileCountLimit {
			break
		}
		if len(f.Data) == 0 {
			if f.URL != "" {
				payload.Content = appendLine(payload.Content, f.URL)
			}
			continue
		}
		id, err := d.client.UploadAttachment(ctx, f.Filename, f.Data)
		if err != nil {
			d.logger.Warn("attachment upload failed",
				slog.String("filename", f.Filename), slog.Any("error", err))
			continue
		}
		payload.Attachments = append(payload.Attachments, id)
		count++
	}

	if payload.Content == "" && len(payload.Attachments) == 0 && len(payload.Embeds) == 0 {
		return nil, fmt.Errorf("revolt send: nothing to deliver")
	}

	sent, err := d.client.SendMessage(ctx, destination.ID, payload)
	if err != nil {
		return nil, fmt.Errorf("revolt send: %w", err)
	}
	return &beacon.Message{
		ID:       sent.ID,
		Platform: Platform,
		Author:   opts.SendAs,
		Server:   destination.Server,
		Channel:  destination,
	}, nil
}

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

func appendLine(text, line string) string {
	if text == "" {
		return line
	}
	return text + "\n" + line
}

func (d *Driver) Edit(ctx context.Context, msg *beacon.Message, content *beacon.MessageContent) error {
	if err := beacon.CheckPlatform(d, msg.Platform); err != nil {
		return err
	}
	if msg.Channel == nil {
		return fmt.Errorf("revolt edit needs the message channel")
	}
	payload := editMessagePayload{
		Content: d.renderText(content),
		Embeds:  convertEmbeds(content),
	}
	if err := d.client.EditMessage(ctx, msg.Channel.ID, msg.ID, payload); err != nil {
		return fmt.Errorf("revolt edit: %w", err)
	}
	return nil
}

func (d *Driver) Delete(ctx context.Context, msg *beacon.Message) error {
	if err := beacon.CheckPlatform(d, msg.Platform); err != nil {
		return err
	}
	if msg.Channel == nil {
		return fmt.Errorf("revolt delete needs the message channel")
	}
	if err := d.client.DeleteMessage(ctx, msg.Channel.ID, msg.ID); err != nil {
		return fmt.Errorf("revolt delete: %w", err)
	}
	return nil
}

// SanitizeInbound normalizes line endings on text entering the bridge.
func (d *Driver) SanitizeInbound(text string) string {
	return strings.ReplaceAll(text, "\r\n", "\n")
}

// SanitizeOutbound neutralizes mass pings before text leaves the bridge.
func (d *Driver) SanitizeOutbound(text string) string {
	text = strings.ReplaceAll(text, "@everyone", "@​everyone")
	return strings.ReplaceAll(text, "@online", "@​online")
}

func convertUser(u *apiUser) *beacon.User {
	user := &beacon.User{
		ID:       u.ID,
		Platform: Platform,
		Name:     u.Username,
		Bot:      u.Bot != nil,
	}
	if u.Avatar != nil {
		user.AvatarURL = defaultAutumnURL + "/avatars/" + u.Avatar.ID
	}
	return user
}

func convertServer(s *apiServer) *beacon.Server {
	return &beacon.Server{
		ID:            s.ID,
		Platform:      Platform,
		Name:          s.Name,
		FilesizeLimit: defaultFilesizeLimit,
	}
}

func convertChannel(ch *apiChannel, server *beacon.Server) *beacon.Channel {
	return &beacon.Channel{
		ID:       ch.ID,
		Platform: Platform,
		Name:     ch.Name,
		Server:   server,
		NSFW:     ch.NSFW,
	}
}

func convertEmbeds(content *beacon.MessageContent) []apiEmbed {
	var out []apiEmbed
	for _, block := range content.Blocks() {
		embed, ok := block.(*beacon.EmbedBlock)
		if !ok {
			continue
		}
		converted := apiEmbed{
			Type:        "Text",
			Title:       embed.Title,
			Description: embed.Description,
			URL:         embed.URL,
			Media:       embed.Media,
		}
		if embed.Color != 0 {
			converted.Colour = fmt.Sprintf("#%06x", embed.Color)
		}
		// Revolt text embeds have no field rows; fold them into the body.
		for _, field := range embed.Fields {
			converted.Description = appendLine(converted.Description,
				fmt.Sprintf("**%s**\n%s", field.Name, field.Value))
		}
		out = append(out, converted)
	}
	return out
}
