package mention

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/user/khappy/internal/types"
)

type memDirectory struct {
	profiles []types.Profile
	err      error
}

func (d *memDirectory) FindByHandle(ctx context.Context, handle string) (*types.Profile, error) {
	if d.err != nil {
		return nil, d.err
	}
	for i := range d.profiles {
		if strings.EqualFold(d.profiles[i].Handle, handle) {
			return &d.profiles[i], nil
		}
	}
	return nil, types.ErrNotFound
}

func (d *memDirectory) FindByDisplayName(ctx context.Context, name string) (*types.Profile, error) {
	for i := range d.profiles {
		if strings.EqualFold(d.profiles[i].DisplayName, name) {
			return &d.profiles[i], nil
		}
	}
	return nil, types.ErrNotFound
}

func newDirectory() *memDirectory {
	return &memDirectory{profiles: []types.Profile{
		{ID: "u-alice", Handle: "alice", DisplayName: "Alice"},
		{ID: "u-bob", Handle: "bob", DisplayName: "Bob"},
		{ID: "u-carol", Handle: "cj", DisplayName: "Carol"},
	}}
}

func TestTokens(t *testing.T) {
	got := Tokens("hello @alice and @Bob, cc @alice @ not_a_token a@b")
	expected := []string{"alice", "Bob", "alice", "b"}
	if len(got) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("token %d: expected %q, got %q", i, expected[i], got[i])
		}
	}
}

func TestResolveKeepsDuplicates(t *testing.T) {
	r := NewResolver(newDirectory())
	got, err := r.Resolve(context.Background(), "hello @alice and @Bob, cc @alice")
	if err != nil {
		t.Fatal(err)
	}
	expected := []types.UserID{"u-alice", "u-bob", "u-alice"}
	if len(got) != len(expected) {
		t.Fatalf("expected %d profiles, got %d", len(expected), len(got))
	}
	for i := range expected {
		if got[i].ID != expected[i] {
			t.Errorf("profile %d: expected %s, got %s", i, expected[i], got[i].ID)
		}
	}
}

func TestResolveSkipsUnknown(t *testing.T) {
	r := NewResolver(newDirectory())
	got, err := r.Resolve(context.Background(), "ping @nobody")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected no profiles, got %v", got)
	}
}

func TestResolveDisplayNameFallback(t *testing.T) {
	r := NewResolver(newDirectory())
	got, err := r.Resolve(context.Background(), "thanks @carol")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "u-carol" {
		t.Errorf("expected carol by display name, got %v", got)
	}
}

func TestResolveDirectoryError(t *testing.T) {
	boom := errors.New("directory offline")
	r := NewResolver(&memDirectory{err: boom})
	if _, err := r.Resolve(context.Background(), "@alice"); !errors.Is(err, boom) {
		t.Errorf("expected directory error, got %v", err)
	}
}

func TestNotificationsSelfMention(t *testing.T) {
	msg := &types.Message{ID: "m1", Sender: "u-alice"}
	recipients := []types.Profile{{ID: "u-alice"}, {ID: "u-bob"}}

	all := Notifications(msg, recipients, Options{NotifySelf: true})
	if len(all) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(all))
	}
	for _, n := range all {
		if n.MessageID != "m1" || n.Read {
			t.Errorf("unexpected notification %+v", n)
		}
	}

	filtered := Notifications(msg, recipients, Options{})
	if len(filtered) != 1 || filtered[0].Recipient != "u-bob" {
		t.Errorf("expected only bob, got %+v", filtered)
	}
}

func TestHighlight(t *testing.T) {
	got := Highlight("hi @alice!", func(tok string) string { return "*" + tok + "*" })
	if got != "hi *@alice*!" {
		t.Errorf("expected \"hi *@alice*!\", got %q", got)
	}
}
