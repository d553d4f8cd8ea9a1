package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/khappy/internal/chat"
	"github.com/user/khappy/internal/config"
	ctxengine "github.com/user/khappy/internal/context"
	"github.com/user/khappy/internal/relay"
	"github.com/user/khappy/internal/state"
	"github.com/user/khappy/internal/types"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "khappy",
	Short:         "kHappy chat backend and kBot assistant",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// app holds the local backend the CLI commands share.
type app struct {
	cfg           *config.Config
	hub           *state.Hub
	profiles      *state.ProfileStore
	messages      *state.MessageStore
	notifications *state.NotificationStore
	transcripts   *state.TranscriptStore
}

func openApp(ctx context.Context) (*app, error) {
	cfg := loadConfig()
	setupLogging(cfg)
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	hub := state.NewHub()
	profiles := state.NewProfileStore(cfg.DataDir)
	a := &app{
		cfg:           cfg,
		hub:           hub,
		profiles:      profiles,
		messages:      state.NewMessageStore(cfg.DataDir, hub, profiles),
		notifications: state.NewNotificationStore(cfg.DataDir, hub),
		transcripts:   state.NewTranscriptStore(cfg.DataDir),
	}
	if err := a.ensureProfiles(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// ensureProfiles creates the CLI identity and kBot on first use.
func (a *app) ensureProfiles(ctx context.Context) error {
	seed := []*types.Profile{
		{ID: types.UserID(a.cfg.User.ID), Handle: a.cfg.User.Handle, DisplayName: a.cfg.User.DisplayName},
		{ID: types.AssistantUserID, Handle: "kbot", DisplayName: "kBot"},
	}
	for _, p := range seed {
		_, err := a.profiles.Get(ctx, p.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, types.ErrNotFound) {
			return err
		}
		if err := a.profiles.Put(ctx, p); err != nil {
			return fmt.Errorf("create profile %s: %w", p.Handle, err)
		}
	}
	return nil
}

func (a *app) session() types.Session {
	return types.Session{UserID: types.UserID(a.cfg.User.ID), Authenticated: true}
}

func (a *app) relayClient() *relay.Client {
	return relay.NewClient(a.cfg.Relay.URL, a.cfg.Relay.APIKey,
		time.Duration(a.cfg.Relay.StreamTimeoutSeconds)*time.Second)
}

func (a *app) chatService(opts ...chat.Option) *chat.Service {
	opts = append([]chat.Option{
		chat.WithNotifySelf(a.cfg.Mentions.NotifySelf),
		chat.WithPingFeed(a.hub),
	}, opts...)
	return chat.New(a.messages, a.notifications, a.profiles, opts...)
}

func (a *app) personas() ctxengine.Personas {
	return ctxengine.Personas{
		ctxengine.ModeChat:  {Model: a.cfg.AI.ChatModel},
		ctxengine.ModeImage: {Model: a.cfg.AI.ImageModel},
		ctxengine.ModeText:  {Model: a.cfg.AI.ChatModel},
	}
}

// addConversationFlags registers --channel and --dm on cmd.
func addConversationFlags(cmd *cobra.Command) {
	cmd.Flags().String("channel", "", "channel id")
	cmd.Flags().String("dm", "", "direct conversation id")
	cmd.MarkFlagsMutuallyExclusive("channel", "dm")
}

// conversationFlag returns the conversation selected with --channel or --dm.
// ok is false when neither was given.
func conversationFlag(cmd *cobra.Command) (conv types.ConversationID, ok bool, err error) {
	channel, _ := cmd.Flags().GetString("channel")
	dm, _ := cmd.Flags().GetString("dm")
	switch {
	case channel != "":
		conv = types.ChannelConversation(types.ChannelID(channel))
	case dm != "":
		conv = types.DMConversation(types.DMID(dm))
	default:
		return conv, false, nil
	}
	if err := conv.Validate(); err != nil {
		return conv, false, err
	}
	return conv, true, nil
}

func requireConversation(cmd *cobra.Command) (types.ConversationID, error) {
	conv, ok, err := conversationFlag(cmd)
	if err != nil {
		return conv, err
	}
	if !ok {
		return conv, errors.New("one of --channel or --dm is required")
	}
	return conv, nil
}
