package beacon_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/shinobu-chat/shinobu/internal/beacon"
)

// fakeStore is an in-memory DocumentStore.
type fakeStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: map[string][]byte{}}
}

func (s *fakeStore) ReadJSON(name string, v any) error {
	s.mu.Lock()
	raw, ok := s.docs[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (s *fakeStore) SaveJSON(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.docs[name] = raw
	s.mu.Unlock()
	return nil
}

type sentCall struct {
	ChannelID string
	WebhookID string
	SelfSend  bool
	Text      string
}

// fakeDriver records every operation and serves entities from fixed maps.
type fakeDriver struct {
	platform string
	caps     beacon.Capabilities

	mu      sync.Mutex
	sent    []sentCall
	edits   []string
	deletes []string
	counter int

	servers  map[string]*beacon.Server
	channels map[string]*beacon.Channel
	// remoteChannels are only reachable through FetchChannel.
	remoteChannels map[string]*beacon.Channel
	failing        map[string]error
}

func newFakeDriver(platform string) *fakeDriver {
	return &fakeDriver{
		platform:       platform,
		caps:           beacon.Capabilities{Concurrent: true, AgeGate: true},
		servers:        map[string]*beacon.Server{},
		channels:       map[string]*beacon.Channel{},
		remoteChannels: map[string]*beacon.Channel{},
		failing:        map[string]error{},
	}
}

// addChannel wires a server and channel into the driver and returns the
// channel.
func (d *fakeDriver) addChannel(serverID, channelID string, nsfw bool) *beacon.Channel {
	server, ok := d.servers[serverID]
	if !ok {
		server = &beacon.Server{ID: serverID, Platform: d.platform}
		d.servers[serverID] = server
	}
	ch := &beacon.Channel{ID: channelID, Platform: d.platform, Server: server, NSFW: nsfw}
	d.channels[channelID] = ch
	return ch
}

func (d *fakeDriver) sentCalls() []sentCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentCall(nil), d.sent...)
}

func (d *fakeDriver) Platform() string                  { return d.platform }
func (d *fakeDriver) Capabilities() beacon.Capabilities { return d.caps }

func (d *fakeDriver) GetUser(id string) *beacon.User {
	return &beacon.User{ID: id, Platform: d.platform, Name: "user-" + id}
}

func (d *fakeDriver) FetchUser(ctx context.Context, id string) (*beacon.User, error) {
	return d.GetUser(id), nil
}

func (d *fakeDriver) GetServer(id string) *beacon.Server { return d.servers[id] }

func (d *fakeDriver) FetchServer(ctx context.Context, id string) (*beacon.Server, error) {
	if s := d.servers[id]; s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("no server %q", id)
}

func (d *fakeDriver) GetChannel(server *beacon.Server, id string) (*beacon.Channel, error) {
	if server != nil {
		if err := beacon.CheckPlatform(d, server.Platform); err != nil {
			return nil, err
		}
	}
	if ch := d.channels[id]; ch != nil {
		return ch, nil
	}
	return nil, fmt.Errorf("no channel %q", id)
}

func (d *fakeDriver) FetchChannel(ctx context.Context, server *beacon.Server, id string) (*beacon.Channel, error) {
	if server != nil {
		if err := beacon.CheckPlatform(d, server.Platform); err != nil {
			return nil, err
		}
	}
	if ch := d.channels[id]; ch != nil {
		return ch, nil
	}
	if ch := d.remoteChannels[id]; ch != nil {
		d.channels[id] = ch
		return ch, nil
	}
	return nil, fmt.Errorf("no channel %q", id)
}

func (d *fakeDriver) GetMember(server *beacon.Server, id string) (*beacon.Member, error) {
	return &beacon.Member{User: *d.GetUser(id), Server: server}, nil
}

func (d *fakeDriver) GetWebhook(id string) *beacon.Webhook {
	return &beacon.Webhook{ID: id, Platform: d.platform}
}

func (d *fakeDriver) FetchWebhook(ctx context.Context, id string) (*beacon.Webhook, error) {
	return d.GetWebhook(id), nil
}

func (d *fakeDriver) Send(ctx context.Context, destination *beacon.Channel, content *beacon.MessageContent, opts beacon.SendOptions) (*beacon.Message, error) {
	if err := beacon.CheckPlatform(d, destination.Platform); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.sent = append(d.sent, sentCall{
		ChannelID: destination.ID,
		WebhookID: opts.WebhookID,
		SelfSend:  opts.SelfSend,
		Text:      content.PlainText(),
	})
	d.counter++
	n := d.counter
	d.mu.Unlock()

	if opts.SelfSend {
		return &beacon.Message{
			ID:       content.OriginalID,
			Platform: d.platform,
			Author:   opts.SendAs,
			Server:   destination.Server,
			Channel:  destination,
		}, nil
	}
	if err := d.failing[destination.ID]; err != nil {
		return nil, err
	}
	return &beacon.Message{
		ID:        fmt.Sprintf("%s-msg-%d", d.platform, n),
		Platform:  d.platform,
		Author:    opts.SendAs,
		Server:    destination.Server,
		Channel:   destination,
		WebhookID: opts.WebhookID,
	}, nil
}

func (d *fakeDriver) Edit(ctx context.Context, msg *beacon.Message, content *beacon.MessageContent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.edits = append(d.edits, msg.ID)
	return nil
}

func (d *fakeDriver) Delete(ctx context.Context, msg *beacon.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deletes = append(d.deletes, msg.ID)
	return nil
}

func (d *fakeDriver) SanitizeInbound(text string) string  { return text }
func (d *fakeDriver) SanitizeOutbound(text string) string { return text }

// testEnv bundles a ready core over fake drivers.
type testEnv struct {
	core  *beacon.Core
	store *fakeStore
}

func newTestEnv(t *testing.T, drivers ...beacon.Driver) *testEnv {
	t.Helper()

	store := newFakeStore()
	registry := beacon.NewDriverRegistry(nil, nil)
	for _, d := range drivers {
		if err := registry.Register(d); err != nil {
			t.Fatal(err)
		}
	}

	cache := beacon.NewMessageCache(nil, store, 0)
	t.Cleanup(cache.Close)

	core := beacon.New(beacon.Options{
		Store:       store,
		Drivers:     registry,
		Spaces:      beacon.NewSpaceRegistry(),
		Cache:       cache,
		Filters:     beacon.NewFilterEngine(nil, store),
		EnableMulti: true,
	})
	core.LoadData()
	if !core.Ready() {
		t.Fatal("core should be ready with no reservations outstanding")
	}
	return &testEnv{core: core, store: store}
}
