// Package revolt implements the Revolt platform driver.
package revolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

const (
	defaultAPIURL    = "https://api.revolt.chat"
	defaultWSURL     = "wss://ws.revolt.chat"
	defaultAutumnURL = "https://autumn.revolt.chat"
)

// Client is a minimal Revolt REST client covering what the driver needs.
type Client struct {
	httpClient *http.Client
	apiURL     string
	autumnURL  string
	token      string
}

// NewClient creates a REST client for a bot token. Empty URLs use the
// public instance.
func NewClient(token, apiURL, autumnURL string) *Client {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	if autumnURL == "" {
		autumnURL = defaultAutumnURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiURL:     apiURL,
		autumnURL:  autumnURL,
		token:      token,
	}
}

// apiError is Revolt's error envelope.
type apiError struct {
	Type string `json:"type"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Bot-Token", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr apiError
		_ = json.Unmarshal(raw, &apiErr)
		if apiErr.Type != "" {
			return fmt.Errorf("revolt api %s %s: %s (%d)", method, path, apiErr.Type, resp.StatusCode)
		}
		return fmt.Errorf("revolt api %s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type apiFile struct {
	ID string `json:"_id"`
}

type apiUser struct {
	ID       string   `json:"_id"`
	Username string   `json:"username"`
	Avatar   *apiFile `json:"avatar,omitempty"`
	Bot      *struct {
		Owner string `json:"owner"`
	} `json:"bot,omitempty"`
}

type apiServer struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

type apiChannel struct {
	ID          string `json:"_id"`
	ChannelType string `json:"channel_type"`
	Server      string `json:"server,omitempty"`
	Name        string `json:"name,omitempty"`
	NSFW        bool   `json:"nsfw,omitempty"`
}

type apiMasquerade struct {
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

type apiEmbed struct {
	Type        string `json:"type,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Media       string `json:"media,omitempty"`
	Colour      string `json:"colour,omitempty"`
}

type apiReply struct {
	ID      string `json:"id"`
	Mention bool   `json:"mention"`
}

type apiMessage struct {
	ID          string         `json:"_id"`
	Channel     string         `json:"channel"`
	Author      string         `json:"author"`
	Content     string         `json:"content,omitempty"`
	Attachments []apiFile      `json:"attachments,omitempty"`
	Replies     []string       `json:"replies,omitempty"`
	Masquerade  *apiMasquerade `json:"masquerade,omitempty"`
}

type sendMessagePayload struct {
	Content     string         `json:"content,omitempty"`
	Attachments []string       `json:"attachments,omitempty"`
	Replies     []apiReply     `json:"replies,omitempty"`
	Embeds      []apiEmbed     `json:"embeds,omitempty"`
	Masquerade  *apiMasquerade `json:"masquerade,omitempty"`
}

type editMessagePayload struct {
	Content string     `json:"content,omitempty"`
	Embeds  []apiEmbed `json:"embeds,omitempty"`
}

func (c *Client) FetchUser(ctx context.Context, id string) (*apiUser, error) {
	var user apiUser
	if err := c.do(ctx, http.MethodGet, "/users/"+id, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) FetchServer(ctx context.Context, id string) (*apiServer, error) {
	var server apiServer
	if err := c.do(ctx, http.MethodGet, "/servers/"+id, nil, &server); err != nil {
		return nil, err
	}
	return &server, nil
}

func (c *Client) FetchChannel(ctx context.Context, id string) (*apiChannel, error) {
	var ch apiChannel
	if err := c.do(ctx, http.MethodGet, "/channels/"+id, nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *Client) SendMessage(ctx context.Context, channelID string, payload sendMessagePayload) (*apiMessage, error) {
	var msg apiMessage
	path := fmt.Sprintf("/channels/%s/messages", channelID)
	if err := c.do(ctx, http.MethodPost, path, payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) EditMessage(ctx context.Context, channelID, messageID string, payload editMessagePayload) error {
	path := fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID)
	return c.do(ctx, http.MethodPatch, path, payload, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	path := fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// UploadAttachment pushes file bytes to the Autumn file server and returns
// the attachment id to reference in a message.
func (c *Client) UploadAttachment(ctx context.Context, filename string, data []byte) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.autumnURL+"/attachments", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Bot-Token", c.token)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("revolt upload: status %d", resp.StatusCode)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ID, nil
}
