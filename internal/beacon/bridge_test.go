package beacon_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shinobu-chat/shinobu/internal/beacon"
)

// stubFilter is a scriptable filter for exercising the engine through the
// core.
type stubFilter struct {
	id     string
	result beacon.FilterResult
}

func (f *stubFilter) ID() string                             { return f.id }
func (f *stubFilter) Name() string                           { return f.id }
func (f *stubFilter) Description() string                    { return "test filter" }
func (f *stubFilter) Configs() map[string]beacon.ConfigSpec  { return nil }
func (f *stubFilter) Check(*beacon.FilterRequest) beacon.FilterResult {
	return f.result
}

// join attaches a fresh channel on the driver to the space, already reified.
func join(space *beacon.Space, drv *fakeDriver, serverID, channelID string, nsfw bool) {
	ch := drv.addChannel(serverID, channelID, nsfw)
	space.Members = append(space.Members, &beacon.SpaceMember{
		Platform:  drv.Platform(),
		ServerID:  serverID,
		ChannelID: channelID,
		Server:    ch.Server,
		Channel:   ch,
	})
}

func authorOn(drv *fakeDriver, serverID, userID string) *beacon.Member {
	return &beacon.Member{
		User:   beacon.User{ID: userID, Platform: drv.Platform(), Name: "user-" + userID},
		Server: drv.GetServer(serverID),
	}
}

func textContent(originalID, originalChannelID, text string) *beacon.MessageContent {
	content := beacon.NewMessageContent(originalID, originalChannelID)
	_ = content.AddBlock("content", beacon.TextBlock{Content: text})
	return content
}

func TestCore_SendFansOutAndSkipsOrigin(t *testing.T) {
	t.Parallel()
	discord := newFakeDriver("discord")
	revolt := newFakeDriver("revolt")
	env := newTestEnv(t, discord, revolt)

	space := beacon.NewSpace("s1", "Test")
	join(space, discord, "srv-a", "chan-a", false)
	join(space, discord, "srv-b", "chan-b", false)
	join(space, revolt, "srv-c", "chan-c", false)
	if err := env.core.Spaces().Add(space); err != nil {
		t.Fatal(err)
	}

	content := textContent("orig-1", "chan-a", "hello bridge")
	group, err := env.core.Send(context.Background(), authorOn(discord, "srv-a", "u1"), space, content, "")
	if err != nil {
		t.Fatal(err)
	}

	if len(group.Messages) != 3 {
		t.Fatalf("group has %d messages, want 3", len(group.Messages))
	}
	if !group.Has("orig-1") {
		t.Fatal("group should carry the fabricated origin copy")
	}

	var selfSends, deliveries int
	for _, call := range append(discord.sentCalls(), revolt.sentCalls()...) {
		if call.Text != "hello bridge" {
			t.Fatalf("delivered text = %q", call.Text)
		}
		if call.SelfSend {
			selfSends++
			if call.ChannelID != "chan-a" {
				t.Fatalf("self-send aimed at %q, want the origin channel", call.ChannelID)
			}
		} else {
			deliveries++
		}
	}
	if selfSends != 1 || deliveries != 2 {
		t.Fatalf("selfSends=%d deliveries=%d, want 1 and 2", selfSends, deliveries)
	}

	if env.core.Cache().GetGroup(group.ID) == nil {
		t.Fatal("group should be cached after fan-out")
	}
}

func TestCore_SendBlockedByFilter(t *testing.T) {
	t.Parallel()
	discord := newFakeDriver("discord")
	env := newTestEnv(t, discord)
	env.core.Filters().Register(&stubFilter{
		id:     "deny",
		result: beacon.Block("not here"),
	})

	space := beacon.NewSpace("s1", "Test")
	space.Options.Filters = []string{"deny"}
	join(space, discord, "srv-a", "chan-a", false)
	join(space, discord, "srv-b", "chan-b", false)
	if err := env.core.Spaces().Add(space); err != nil {
		t.Fatal(err)
	}

	content := textContent("orig-1", "chan-a", "blocked text")
	_, err := env.core.Send(context.Background(), authorOn(discord, "srv-a", "u1"), space, content, "")

	var blocked *beacon.BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want BlockedError", err)
	}
	if blocked.Reason != beacon.BlockedFilter || blocked.Filter != "deny" || blocked.Message != "not here" {
		t.Fatalf("blocked = %+v", blocked)
	}
	if len(discord.sentCalls()) != 0 {
		t.Fatal("nothing should be delivered")
	}
	if _, groups := env.core.Cache().Len(); groups != 0 {
		t.Fatal("nothing should be cached")
	}
}

func TestCore_SendFilterSubstitution(t *testing.T) {
	t.Parallel()
	discord := newFakeDriver("discord")
	env := newTestEnv(t, discord)
	safe := "*****"
	env.core.Filters().Register(&stubFilter{
		id:     "censor",
		result: beacon.FilterResult{Allowed: false, Message: "language", SafeContent: &safe},
	})

	space := beacon.NewSpace("s1", "Test")
	space.Options.Filters = []string{"censor"}
	join(space, discord, "srv-a", "chan-a", false)
	join(space, discord, "srv-b", "chan-b", false)
	if err := env.core.Spaces().Add(space); err != nil {
		t.Fatal(err)
	}

	content := textContent("orig-1", "chan-a", "rude words")
	if _, err := env.core.Send(context.Background(), authorOn(discord, "srv-a", "u1"), space, content, ""); err != nil {
		t.Fatal(err)
	}

	for _, call := range discord.sentCalls() {
		if call.Text != safe {
			t.Fatalf("delivered text = %q, want the substitute", call.Text)
		}
	}
	if content.Block(beacon.FilteredBlockID) == nil {
		t.Fatal("substitute block should be installed on the content")
	}
}

func TestCore_SendBridgePaused(t *testing.T) {
	t.Parallel()
	discord := newFakeDriver("discord")
	env := newTestEnv(t, discord)

	space := beacon.NewSpace("s1", "Test")
	join(space, discord, "srv-a", "chan-a", false)
	if err := env.core.Spaces().Add(space); err != nil {
		t.Fatal(err)
	}

	env.core.Spaces().SetPauseDirective("u1", &beacon.PauseDirective{
		Inclusive: true,
		Entries:   []beacon.PauseEntry{{Prefix: "!"}},
	})

	author := authorOn(discord, "srv-a", "u1")
	content := textContent("orig-1", "chan-a", "!command")
	_, err := env.core.Send(context.Background(), author, space, content, "")

	var blocked *beacon.BlockedError
	if !errors.As(err, &blocked) || blocked.Reason != beacon.BlockedBridgePaused {
		t.Fatalf("err = %v, want a bridge-paused rejection", err)
	}

	// A message the directive does not match still relays.
	if _, err := env.core.Send(context.Background(), author, space, textContent("orig-2", "chan-a", "hello"), ""); err != nil {
		t.Fatal(err)
	}

	// Other authors are unaffected.
	if _, err := env.core.Send(context.Background(), authorOn(discord, "srv-a", "u2"), space, textContent("orig-3", "chan-a", "!command"), ""); err != nil {
		t.Fatal(err)
	}
}

func TestCore_CanSend(t *testing.T) {
	t.Parallel()
	discord := newFakeDriver("discord")
	env := newTestEnv(t, discord)
	env.core.Filters().Register(&stubFilter{id: "deny", result: beacon.Block("no")})

	space := beacon.NewSpace("s1", "Test")
	space.Options.Filters = []string{"deny"}
	join(space, discord, "srv-a", "chan-a", false)
	if err := env.core.Spaces().Add(space); err != nil {
		t.Fatal(err)
	}
	author := authorOn(discord, "srv-a", "u1")
	content := textContent("orig-1", "chan-a", "hello")

	blocked, err := env.core.CanSend(author, space, content, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if blocked == nil || blocked.Filter != "deny" {
		t.Fatalf("blocked = %+v, want the filter rejection", blocked)
	}

	// Dry checks never deliver or cache anything.
	if len(discord.sentCalls()) != 0 {
		t.Fatal("CanSend must not deliver")
	}

	blocked, err = env.core.CanSend(author, space, content, "", true)
	if err != nil {
		t.Fatal(err)
	}
	if blocked != nil {
		t.Fatalf("skipFilters check = %+v, want nil", blocked)
	}
}

func TestCore_CanSendDryDoesNotMutate(t *testing.T) {
	t.Parallel()
	discord := newFakeDriver("discord")
	env := newTestEnv(t, discord)
	safe := "*****"
	env.core.Filters().Register(&stubFilter{
		id:     "censor",
		result: beacon.FilterResult{Allowed: false, SafeContent: &safe},
	})

	space := beacon.NewSpace("s1", "Test")
	space.Options.Filters = []string{"censor"}
	join(space, discord, "srv-a", "chan-a", false)
	if err := env.core.Spaces().Add(space); err != nil {
		t.Fatal(err)
	}

	content := textContent("orig-1", "chan-a", "rude words")
	blocked, err := env.core.CanSend(authorOn(discord, "srv-a", "u1"), space, content, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if blocked != nil {
		t.Fatalf("substitution should not report a block, got %+v", blocked)
	}
	if content.PlainText() != "rude words" {
		t.Fatalf("dry check rewrote the content to %q", content.PlainText())
	}
}

func TestCore_SendAgeGateMismatch(t *testing.T) {
	t.Parallel()
	discord := newFakeDriver("discord")
	env := newTestEnv(t, discord)

	space := beacon.NewSpace("s1", "After Dark")
	space.Options.NSFW = true
	join(space, discord, "srv-a", "chan-a", false) // not age-gated
	if err := env.core.Spaces().Add(space); err != nil {
		t.Fatal(err)
	}

	content := textContent("orig-1", "chan-a", "hello")
	_, err := env.core.Send(context.Background(), authorOn(discord, "srv-a", "u1"), space, content, "")
	if !errors.Is(err, beacon.ErrAgeGateMismatch) {
		t.Fatalf("err = %v, want ErrAgeGateMismatch", err)
	}
}

func TestCore_SendNSFWRequiresAgeGateCapability(t *testing.T) {
	t.Parallel()
	plain := newFakeDriver("plain")
	plain.caps = beacon.Capabilities{Concurrent: true} // no age gate support
	env := newTestEnv(t, plain)

	space := beacon.NewSpace("s1", "After Dark")
	space.Options.NSFW = true
	join(space, plain, "srv-a", "chan-a", true)
	if err := env.core.Spaces().Add(space); err != nil {
		t.Fatal(err)
	}

	content := textContent("orig-1", "chan-a", "hello")
	_, err := env.core.Send(context.Background(), authorOn(plain, "srv-a", "u1"), space, content, "")
	if !errors.Is(err, beacon.ErrAgeGateMismatch) {
		t.Fatalf("err = %v, want ErrAgeGateMismatch", err)
	}
}

func TestCore_SendFetchesUncachedOriginChannel(t *testing.T) {
	t.Parallel()
	discord := newFakeDriver("discord")
	env := newTestEnv(t, discord)

	space := beacon.NewSpace("s1", "After Dark")
	space.Options.NSFW = true
	join(space, discord, "srv-a", "chan-a", true)
	if err := env.core.Spaces().Add(space); err != nil {
		t.Fatal(err)
	}

	// The origin channel is not in the driver's cache; the age-gate check
	// must fetch it from the platform rather than waving the message
	// through.
	server := discord.GetServer("srv-a")
	discord.remoteChannels["chan-sfw"] = &beacon.Channel{
		ID: "chan-sfw", Platform: "discord", Server: server, NSFW: false,
	}
	discord.remoteChannels["chan-nsfw"] = &beacon.Channel{
		ID: "chan-nsfw", Platform: "discord", Server: server, NSFW: true,
	}

	author := authorOn(discord, "srv-a", "u1")
	_, err := env.core.Send(context.Background(), author, space, textContent("orig-1", "chan-sfw", "hello"), "")
	if !errors.Is(err, beacon.ErrAgeGateMismatch) {
		t.Fatalf("err = %v, want ErrAgeGateMismatch", err)
	}

	if _, err := env.core.Send(context.Background(), author, space, textContent("orig-2", "chan-nsfw", "hello"), ""); err != nil {
		t.Fatal(err)
	}
}

func TestCore_NotInitialized(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	cache := beacon.NewMessageCache(nil, store, 0)
	t.Cleanup(cache.Close)

	core := beacon.New(beacon.Options{
		Store:   store,
		Drivers: beacon.NewDriverRegistry(nil, nil),
		Spaces:  beacon.NewSpaceRegistry(),
		Cache:   cache,
		Filters: beacon.NewFilterEngine(nil, store),
	})

	space := beacon.NewSpace("s1", "Test")
	author := &beacon.Member{User: beacon.User{ID: "u1"}}
	content := textContent("orig-1", "chan-a", "hello")

	if _, err := core.Send(context.Background(), author, space, content, ""); !errors.Is(err, beacon.ErrNotInitialized) {
		t.Fatalf("Send = %v, want ErrNotInitialized", err)
	}
	if _, err := core.CanSend(author, space, content, "", false); !errors.Is(err, beacon.ErrNotInitialized) {
		t.Fatalf("CanSend = %v, want ErrNotInitialized", err)
	}
	if err := core.Edit(context.Background(), &beacon.Message{ID: "m"}, content); !errors.Is(err, beacon.ErrNotInitialized) {
		t.Fatalf("Edit = %v, want ErrNotInitialized", err)
	}
	if err := core.Delete(context.Background(), &beacon.Message{ID: "m"}); !errors.Is(err, beacon.ErrNotInitialized) {
		t.Fatalf("Delete = %v, want ErrNotInitialized", err)
	}
}

func TestCore_DeleteRelaysAndExcludesOrigin(t *testing.T) {
	t.Parallel()
	discord := newFakeDriver("discord")
	env := newTestEnv(t, discord)

	space := beacon.NewSpace("s1", "Test")
	join(space, discord, "srv-a", "chan-a", false)
	join(space, discord, "srv-b", "chan-b", false)
	if err := env.core.Spaces().Add(space); err != nil {
		t.Fatal(err)
	}

	content := textContent("orig-1", "chan-a", "hello")
	group, err := env.core.Send(context.Background(), authorOn(discord, "srv-a", "u1"), space, content, "")
	if err != nil {
		t.Fatal(err)
	}

	if err := env.core.Delete(context.Background(), &beacon.Message{ID: "orig-1"}); err != nil {
		t.Fatal(err)
	}

	discord.mu.Lock()
	deletes := append([]string(nil), discord.deletes...)
	discord.mu.Unlock()
	if len(deletes) != 1 {
		t.Fatalf("deletes = %v, want exactly the non-origin copy", deletes)
	}
	if deletes[0] == "orig-1" {
		t.Fatal("the origin copy must not be deleted again")
	}
	if env.core.Cache().GetGroup(group.ID) != nil {
		t.Fatal("group should be dropped from the cache")
	}
}

func TestCore_DeleteHonorsRelayOption(t *testing.T) {
	t.Parallel()
	discord := newFakeDriver("discord")
	env := newTestEnv(t, discord)

	space := beacon.NewSpace("s1", "Test")
	space.Options.RelayDeletes = false
	join(space, discord, "srv-a", "chan-a", false)
	join(space, discord, "srv-b", "chan-b", false)
	if err := env.core.Spaces().Add(space); err != nil {
		t.Fatal(err)
	}

	content := textContent("orig-1", "chan-a", "hello")
	group, err := env.core.Send(context.Background(), authorOn(discord, "srv-a", "u1"), space, content, "")
	if err != nil {
		t.Fatal(err)
	}

	if err := env.core.Delete(context.Background(), &beacon.Message{ID: "orig-1"}); err != nil {
		t.Fatal(err)
	}

	discord.mu.Lock()
	deletes := len(discord.deletes)
	discord.mu.Unlock()
	if deletes != 0 {
		t.Fatalf("deletes = %d, want none with relay disabled", deletes)
	}
	if env.core.Cache().GetGroup(group.ID) == nil {
		t.Fatal("group should survive when deletions are not relayed")
	}
}

func TestCore_EditRelaysAndSkipsCaller(t *testing.T) {
	t.Parallel()
	discord := newFakeDriver("discord")
	env := newTestEnv(t, discord)

	space := beacon.NewSpace("s1", "Test")
	join(space, discord, "srv-a", "chan-a", false)
	join(space, discord, "srv-b", "chan-b", false)
	if err := env.core.Spaces().Add(space); err != nil {
		t.Fatal(err)
	}

	content := textContent("orig-1", "chan-a", "hello")
	if _, err := env.core.Send(context.Background(), authorOn(discord, "srv-a", "u1"), space, content, ""); err != nil {
		t.Fatal(err)
	}

	edited := textContent("orig-1", "chan-a", "hello, edited")
	if err := env.core.Edit(context.Background(), &beacon.Message{ID: "orig-1"}, edited); err != nil {
		t.Fatal(err)
	}

	discord.mu.Lock()
	edits := append([]string(nil), discord.edits...)
	discord.mu.Unlock()
	if len(edits) != 1 || edits[0] == "orig-1" {
		t.Fatalf("edits = %v, want exactly the non-origin copy", edits)
	}
}

func TestCore_EditHonorsRelayOption(t *testing.T) {
	t.Parallel()
	discord := newFakeDriver("discord")
	env := newTestEnv(t, discord)

	space := beacon.NewSpace("s1", "Test")
	space.Options.RelayEdits = false
	join(space, discord, "srv-a", "chan-a", false)
	join(space, discord, "srv-b", "chan-b", false)
	if err := env.core.Spaces().Add(space); err != nil {
		t.Fatal(err)
	}

	content := textContent("orig-1", "chan-a", "hello")
	if _, err := env.core.Send(context.Background(), authorOn(discord, "srv-a", "u1"), space, content, ""); err != nil {
		t.Fatal(err)
	}
	if err := env.core.Edit(context.Background(), &beacon.Message{ID: "orig-1"}, content); err != nil {
		t.Fatal(err)
	}

	discord.mu.Lock()
	edits := len(discord.edits)
	discord.mu.Unlock()
	if edits != 0 {
		t.Fatalf("edits = %d, want none with relay disabled", edits)
	}
}

func TestCore_SendSurvivesDeliveryFailure(t *testing.T) {
	t.Parallel()
	discord := newFakeDriver("discord")
	env := newTestEnv(t, discord)

	space := beacon.NewSpace("s1", "Test")
	join(space, discord, "srv-a", "chan-a", false)
	join(space, discord, "srv-b", "chan-b", false)
	join(space, discord, "srv-c", "chan-c", false)
	discord.failing["chan-b"] = fmt.Errorf("channel gone")
	if err := env.core.Spaces().Add(space); err != nil {
		t.Fatal(err)
	}

	content := textContent("orig-1", "chan-a", "hello")
	group, err := env.core.Send(context.Background(), authorOn(discord, "srv-a", "u1"), space, content, "")
	if err != nil {
		t.Fatal(err)
	}

	// Origin fabrication plus the one healthy destination.
	if len(group.Messages) != 2 {
		t.Fatalf("group has %d messages, want 2", len(group.Messages))
	}
	if group.MessageFor("chan-b") != nil {
		t.Fatal("failed destination must not appear in the group")
	}
	if group.MessageFor("chan-c") == nil {
		t.Fatal("healthy destination should still be delivered")
	}
}

func TestCore_SendSkipsPartialMembers(t *testing.T) {
	t.Parallel()
	discord := newFakeDriver("discord")
	env := newTestEnv(t, discord)

	space := beacon.NewSpace("s1", "Test")
	join(space, discord, "srv-a", "chan-a", false)
	// A member whose platform never came up stays partial.
	space.Members = append(space.Members, &beacon.SpaceMember{
		Platform:  "ghost",
		ServerID:  "srv-x",
		ChannelID: "chan-x",
	})
	if err := env.core.Spaces().Add(space); err != nil {
		t.Fatal(err)
	}

	content := textContent("orig-1", "chan-a", "hello")
	group, err := env.core.Send(context.Background(), authorOn(discord, "srv-a", "u1"), space, content, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(group.Messages) != 1 {
		t.Fatalf("group has %d messages, want only the origin copy", len(group.Messages))
	}
}
