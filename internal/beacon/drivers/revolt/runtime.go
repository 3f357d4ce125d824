package revolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shinobu-chat/shinobu/internal/beacon"
)

const pingInterval = 15 * time.Second

// Runtime owns the gateway connection and turns Revolt events into bridge
// operations.
type Runtime struct {
	logger *slog.Logger
	core   *beacon.Core

	token  string
	wsURL  string
	client *Client
	driver *Driver

	botID string
}

// NewRuntime builds a runtime for a bot token. Empty URLs use the public
// instance.
func NewRuntime(log *slog.Logger, core *beacon.Core, token, apiURL, wsURL, autumnURL string) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	if wsURL == "" {
		wsURL = defaultWSURL
	}
	client := NewClient(token, apiURL, autumnURL)
	return &Runtime{
		logger: log.With(slog.String("runtime", Platform)),
		core:   core,
		token:  token,
		wsURL:  wsURL,
		client: client,
		driver: NewDriver(log, client),
	}
}

// Driver returns the platform driver backed by this runtime's client.
func (r *Runtime) Driver() *Driver { return r.driver }

// gateway event envelopes.
type wsEvent struct {
	Type string `json:"type"`

	// Error events.
	Error string `json:"error,omitempty"`

	// Ready payload.
	Users    []apiUser    `json:"users,omitempty"`
	Servers  []apiServer  `json:"servers,omitempty"`
	Channels []apiChannel `json:"channels,omitempty"`

	// Message / MessageUpdate / MessageDelete payloads.
	apiMessage
	Data *apiMessage `json:"data,omitempty"`
}

type wsPing struct {
	Type string `json:"type"`
	Data int64  `json:"data"`
}

// Run connects to the gateway and pumps events until the context ends.
// Invalid-session errors come back as beacon.AuthError so supervision
// withdraws the platform instead of retrying.
func (r *Runtime) Run(ctx context.Context) error {
	url := fmt.Sprintf("%s/?format=json&token=%s", r.wsURL, r.token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("revolt dial gateway: %w", err)
	}
	defer conn.Close()

	if r.botID == "" {
		self, err := r.client.FetchUser(ctx, "@me")
		if err != nil {
			return fmt.Errorf("revolt fetch self: %w", err)
		}
		r.botID = self.ID
	}

	// Keepalive; the server drops silent connections.
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go r.pingLoop(pingCtx, conn)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("revolt gateway read: %w", err)
		}

		var event wsEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			r.logger.Warn("undecodable gateway event", slog.Any("error", err))
			continue
		}
		if err := r.dispatch(ctx, &event); err != nil {
			return err
		}
	}
}

func (r *Runtime) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(wsPing{Type: "Ping", Data: time.Now().Unix()}); err != nil {
				return
			}
		}
	}
}

func (r *Runtime) dispatch(ctx context.Context, event *wsEvent) error {
	switch event.Type {
	case "Error", "NotFound":
		if isAuthErrorType(event.Error) || event.Type == "NotFound" {
			return &beacon.AuthError{Platform: Platform, Err: fmt.Errorf("revolt gateway: %s", event.Error)}
		}
		return fmt.Errorf("revolt gateway error: %s", event.Error)
	case "Authenticated":
		r.logger.Info("authenticated")
	case "Ready":
		r.handleReady(event)
	case "Message":
		r.handleMessage(ctx, &event.apiMessage)
	case "MessageUpdate":
		r.handleUpdate(ctx, event)
	case "MessageDelete":
		r.handleDelete(ctx, event.apiMessage.ID)
	}
	return nil
}

func isAuthErrorType(errType string) bool {
	return strings.Contains(errType, "InvalidSession") || strings.Contains(errType, "OnboardingNotFinished")
}

// handleReady seeds the driver caches and registers the driver.
func (r *Runtime) handleReady(event *wsEvent) {
	for i := range event.Users {
		r.driver.cacheUser(&event.Users[i])
	}
	for i := range event.Servers {
		r.driver.cacheServer(&event.Servers[i])
	}
	for i := range event.Channels {
		r.driver.cacheChannel(&event.Channels[i])
	}
	r.logger.Info("ready",
		slog.Int("servers", len(event.Servers)),
		slog.Int("channels", len(event.Channels)))

	if drv := r.core.Drivers().Get(Platform); drv == nil {
		if err := r.core.Drivers().Register(r.driver); err != nil {
			r.logger.Error("driver registration failed", slog.Any("error", err))
		}
	}
}

func (r *Runtime) handleMessage(ctx context.Context, m *apiMessage) {
	// Our own deliveries echo back as masqueraded messages from the bot.
	if m.Author == r.botID {
		return
	}

	space, member := r.core.Spaces().SpaceForChannel(m.Channel)
	if space == nil {
		return
	}

	user := r.driver.GetUser(m.Author)
	if user == nil {
		fetched, err := r.driver.FetchUser(ctx, m.Author)
		if err != nil {
			r.logger.Warn("author lookup failed", slog.Any("error", err))
			return
		}
		user = fetched
	}

	author := &beacon.Member{User: *user, Server: member.Server}
	content := r.buildContent(m)

	_, err := r.core.Send(ctx, author, space, content, "")
	if err != nil {
		r.reportSendFailure(ctx, m, err)
	}
}

func (r *Runtime) buildContent(m *apiMessage) *beacon.MessageContent {
	content := beacon.NewMessageContent(m.ID, m.Channel)
	if text := strings.TrimSpace(m.Content); text != "" {
		_ = content.AddBlock("content", beacon.TextBlock{Content: r.driver.SanitizeInbound(text)})
	}
	for _, att := range m.Attachments {
		content.Files = append(content.Files, beacon.File{
			URL: defaultAutumnURL + "/attachments/" + att.ID,
		})
	}
	for _, replyID := range m.Replies {
		group := r.core.Cache().GroupFromMessage(replyID)
		if group == nil {
			continue
		}
		content.Replies = append(content.Replies, group)
	}
	return content
}

func (r *Runtime) reportSendFailure(ctx context.Context, m *apiMessage, err error) {
	var blocked *beacon.BlockedError
	if errors.As(err, &blocked) {
		if blocked.Message == "" {
			return
		}
		_, sendErr := r.client.SendMessage(ctx, m.Channel, sendMessagePayload{
			Content: blocked.Message,
			Replies: []apiReply{{ID: m.ID}},
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

func (r *Runtime) handleUpdate(ctx context.Context, event *wsEvent) {
	if event.Data == nil {
		return
	}
	msg := r.core.Cache().GetMessage(event.apiMessage.ID)
	if msg == nil {
		return
	}
	content := beacon.NewMessageContent(event.apiMessage.ID, event.apiMessage.Channel)
	if text := strings.TrimSpace(event.Data.Content); text != "" {
		_ = content.AddBlock("content", beacon.TextBlock{Content: r.driver.SanitizeInbound(text)})
	}
	if err := r.core.Edit(ctx, msg, content); err != nil && !errors.Is(err, beacon.ErrNotInitialized) {
		r.logger.Error("bridge edit failed", slog.Any("error", err))
	}
}

func (r *Runtime) handleDelete(ctx context.Context, messageID string) {
	msg := r.core.Cache().GetMessage(messageID)
	if msg == nil {
		return
	}
	if err := r.core.Delete(ctx, msg); err != nil && !errors.Is(err, beacon.ErrNotInitialized) {
		r.logger.Error("bridge delete failed", slog.Any("error", err))
	}
}
