package config

import (
	"testing"
)

func TestFlatten(t *testing.T) {
	m := map[string]any{
		"log_level": "info",
		"ai": map[string]any{
			"chat_model": "google/gemini-3-flash-preview",
			"max_tokens": 2000.0,
		},
		"relay": map[string]any{
			"limits": map[string]any{"burst": 5.0},
		},
		"empty": map[string]any{},
	}
	got := Flatten(m)

	want := map[string]any{
		"log_level":          "info",
		"ai.chat_model":      "google/gemini-3-flash-preview",
		"ai.max_tokens":      2000.0,
		"relay.limits.burst": 5.0,
	}
	if len(got) != len(want) {
		t.Errorf("expected %d keys, got %d: %v", len(want), len(got), got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("expected %s=%v, got %v", k, v, got[k])
		}
	}
}

func TestUnflatten(t *testing.T) {
	got := Unflatten(map[string]any{
		"mentions.notify_self": false,
		"relay.url":            "http://127.0.0.1:8787",
		"log_level":            "debug",
	})

	mentions, ok := got["mentions"].(map[string]any)
	if !ok {
		t.Fatalf("expected mentions to be map, got %T", got["mentions"])
	}
	if mentions["notify_self"] != false {
		t.Errorf("expected notify_self=false, got %v", mentions["notify_self"])
	}
	relay := got["relay"].(map[string]any)
	if relay["url"] != "http://127.0.0.1:8787" {
		t.Errorf("expected relay.url, got %v", relay["url"])
	}
	if got["log_level"] != "debug" {
		t.Errorf("expected log_level=debug, got %v", got["log_level"])
	}
}

func TestUnflattenReplacesScalarParent(t *testing.T) {
	got := Unflatten(map[string]any{"a": "scalar", "a.b": "nested"})
	// Map iteration order decides which wins; either way the result is
	// well formed.
	switch v := got["a"].(type) {
	case string, map[string]any:
	default:
		t.Errorf("unexpected type %T", v)
	}
}

func TestRoundTrip_FlattenUnflatten(t *testing.T) {
	cfg := defaults()
	cfg.AI.APIKey = "sk-test123456"
	cfg.Telegram.Token = "bot-token-abc"
	original, err := ToMap(cfg)
	if err != nil {
		t.Fatal(err)
	}

	restored := Flatten(Unflatten(Flatten(original)))
	for k, v := range Flatten(original) {
		if restored[k] != v {
			t.Errorf("%s mismatch: %v != %v", k, restored[k], v)
		}
	}
}

func TestMaskSecrets(t *testing.T) {
	got := MaskSecrets(map[string]any{
		"ai.api_key":     "sk-test123456",
		"relay.api_key":  "ab",
		"telegram.token": "",
		"ai.chat_model":  "model",
	})

	cases := map[string]any{
		"ai.api_key":     "***3456",
		"relay.api_key":  "***ab",
		"telegram.token": "",
		"ai.chat_model":  "model",
	}
	for k, want := range cases {
		if got[k] != want {
			t.Errorf("expected %s=%v, got %v", k, want, got[k])
		}
	}
}

func TestIsSecretKey(t *testing.T) {
	if !IsSecretKey("telegram.token") {
		t.Error("expected telegram.token to be secret")
	}
	if IsSecretKey("relay.url") {
		t.Error("expected relay.url not to be secret")
	}
}

func TestSortedKeys(t *testing.T) {
	got := SortedKeys(map[string]any{"relay.url": 1, "ai.api_key": 2, "log_level": 3})
	want := []string{"ai.api_key", "log_level", "relay.url"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
			break
		}
	}
}
