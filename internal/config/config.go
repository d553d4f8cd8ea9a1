package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	HistoryTurns  int    `json:"history_turns"`
	// User is the identity the CLI acts as.
	User struct {
		ID          string `json:"id"`
		Handle      string `json:"handle"`
		DisplayName string `json:"display_name"`
	} `json:"user"`
	AI struct {
		BaseURL          string  `json:"base_url"`
		APIKey           string  `json:"api_key"`
		ChatModel        string  `json:"chat_model"`
		ImageModel       string  `json:"image_model"`
		MaxTokens        int     `json:"max_tokens"`
		Temperature      float32 `json:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve"`
		TimeoutSeconds   int     `json:"timeout_seconds"`
	} `json:"ai"`
	Relay struct {
		Listen               string  `json:"listen"`
		URL                  string  `json:"url"`
		APIKey               string  `json:"api_key"`
		RPS                  float64 `json:"rps"`
		Burst                int     `json:"burst"`
		MaxStreams           int64   `json:"max_streams"`
		StreamTimeoutSeconds int     `json:"stream_timeout_seconds"`
	} `json:"relay"`
	Telegram struct {
		Token          string `json:"token"`
		EditIntervalMS int    `json:"edit_interval_ms"`
	} `json:"telegram"`
	Mentions struct {
		NotifySelf bool `json:"notify_self"`
	} `json:"mentions"`
	Presence struct {
		Schedule string `json:"schedule"`
	} `json:"presence"`
}

// DefaultPath is ~/.khappy/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".khappy", "config.json")
}

func defaults() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".khappy"),
		LogLevel:      "info",
		MaxConcurrent: 2,
		HistoryTurns:  20,
	}
	cfg.User.ID = "local"
	cfg.User.Handle = "me"
	cfg.User.DisplayName = "Me"
	cfg.AI.BaseURL = "https://ai.gateway.lovable.dev/v1"
	cfg.AI.ChatModel = "google/gemini-3-flash-preview"
	cfg.AI.ImageModel = "google/gemini-2.5-flash-image"
	cfg.AI.MaxTokens = 2000
	cfg.AI.Temperature = 0.7
	cfg.AI.MaxContextTokens = 128000
	cfg.AI.OutputReserve = 4096
	cfg.AI.TimeoutSeconds = 60
	cfg.Relay.Listen = "127.0.0.1:8787"
	cfg.Relay.URL = "http://127.0.0.1:8787"
	cfg.Relay.RPS = 1
	cfg.Relay.Burst = 5
	cfg.Relay.MaxStreams = 8
	cfg.Relay.StreamTimeoutSeconds = 60
	cfg.Telegram.EditIntervalMS = 1000
	cfg.Mentions.NotifySelf = true
	cfg.Presence.Schedule = "@every 1m"
	return cfg
}

// Load reads path over the defaults, writing the defaults when the file does
// not exist yet. Environment variables win over the file.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.AI.APIKey = apiKey
	}
	if apiKey := os.Getenv("KHAPPY_AI_API_KEY"); apiKey != "" {
		cfg.AI.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.AI.BaseURL = baseURL
	}
	if relayURL := os.Getenv("KHAPPY_RELAY_URL"); relayURL != "" {
		cfg.Relay.URL = relayURL
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}

	return cfg, nil
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its generic JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues flattens cfg into dot-separated keys, optionally masking secrets.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// readRaw reads the file as a generic map so unknown keys survive a rewrite.
func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}

// GetValue returns the value stored under a dot-separated key. The file is
// created with defaults when missing.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dot-separated key. Values that parse as JSON
// (numbers, booleans) are stored typed; anything else is stored as a string.
func SetValue(path, key, value string) error {
	m, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(m)

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	flat[key] = parsed

	return Save(path, Unflatten(flat))
}
