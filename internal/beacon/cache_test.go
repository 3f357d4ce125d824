package beacon_test

import (
	"testing"

	"github.com/shinobu-chat/shinobu/internal/beacon"
)

func newTestCache(t *testing.T, store *fakeStore, limit int) *beacon.MessageCache {
	t.Helper()
	if store == nil {
		store = newFakeStore()
	}
	cache := beacon.NewMessageCache(nil, store, limit)
	t.Cleanup(cache.Close)
	return cache
}

func TestMessageCache_EvictsOldestMessage(t *testing.T) {
	t.Parallel()
	cache := newTestCache(t, nil, 3)

	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		cache.AddMessage(&beacon.Message{ID: id}, false)
	}

	if cache.GetMessage("m1") != nil {
		t.Fatal("oldest message should be evicted")
	}
	for _, id := range []string{"m2", "m3", "m4"} {
		if cache.GetMessage(id) == nil {
			t.Fatalf("message %s should survive", id)
		}
	}
	messages, _ := cache.Len()
	if messages != 3 {
		t.Fatalf("cached messages = %d, want 3", messages)
	}
}

func TestMessageCache_EvictsOldestGroup(t *testing.T) {
	t.Parallel()
	cache := newTestCache(t, nil, 2)

	for _, id := range []string{"g1", "g2", "g3"} {
		cache.AddGroup(beacon.NewMessageGroup(id, "author", "space"), false)
	}

	if cache.GetGroup("g1") != nil {
		t.Fatal("oldest group should be evicted")
	}
	_, groups := cache.Len()
	if groups != 2 {
		t.Fatalf("cached groups = %d, want 2", groups)
	}
}

func TestMessageCache_GroupFromMessage(t *testing.T) {
	t.Parallel()
	cache := newTestCache(t, nil, 0)

	group := beacon.NewMessageGroup("g1", "author", "space")
	group.Add(&beacon.Message{ID: "m1"})
	group.Add(&beacon.Message{ID: "m2"})
	cache.AddGroup(group, false)

	if got := cache.GroupFromMessage("m2"); got == nil || got.ID != "g1" {
		t.Fatalf("GroupFromMessage = %+v", got)
	}
	if got := cache.GroupFromMessage("missing"); got != nil {
		t.Fatalf("GroupFromMessage(missing) = %+v, want nil", got)
	}
}

func TestMessageCache_RemoveGroup(t *testing.T) {
	t.Parallel()
	cache := newTestCache(t, nil, 0)

	group := beacon.NewMessageGroup("g1", "author", "space")
	group.Add(&beacon.Message{ID: "m1"})
	cache.AddGroup(group, false)

	cache.RemoveGroup(group, false)
	if cache.GetGroup("g1") != nil {
		t.Fatal("group should be removed")
	}
	if cache.GetMessage("m1") != nil {
		t.Fatal("group messages should be removed with it")
	}
}

func TestMessageCache_SaveAndLoad(t *testing.T) {
	t.Parallel()
	store := newFakeStore()

	cache := newTestCache(t, store, 0)
	group := beacon.NewMessageGroup("g1", "author-1", "space-1")
	group.Add(&beacon.Message{ID: "m1", Platform: "discord", WebhookID: "hook"})
	group.Add(&beacon.Message{ID: "m2", Platform: "revolt"})
	cache.AddGroup(group, false)
	if err := cache.Save(); err != nil {
		t.Fatal(err)
	}

	restored := newTestCache(t, store, 0)
	if err := restored.Load(beacon.NewDriverRegistry(nil, nil)); err != nil {
		t.Fatal(err)
	}

	got := restored.GetGroup("g1")
	if got == nil {
		t.Fatal("group missing after load")
	}
	if got.AuthorID != "author-1" || got.SpaceID != "space-1" {
		t.Fatalf("group fields = %q %q", got.AuthorID, got.SpaceID)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("group messages = %d, want 2", len(got.Messages))
	}
	if msg := restored.GetMessage("m1"); msg == nil || msg.WebhookID != "hook" {
		t.Fatalf("message m1 = %+v", msg)
	}
	if restored.GroupFromMessage("m2") == nil {
		t.Fatal("group lookup by message should work after load")
	}
}
