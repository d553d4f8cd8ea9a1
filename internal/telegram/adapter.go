package telegram

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	ctxengine "github.com/user/khappy/internal/context"
	"github.com/user/khappy/internal/gateway"
	"github.com/user/khappy/internal/reply"
	"github.com/user/khappy/internal/types"
)

const maxTelegramMessage = 4096

// DefaultEditInterval is the minimum spacing between edits of a streaming
// reply. Telegram rejects bursts of edits on one message.
const DefaultEditInterval = time.Second

// Bot is the subset of *tgbotapi.BotAPI the adapter uses.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Inbound accepts kBot requests. *gateway.Gateway implements it.
type Inbound interface {
	HandleInbound(ctx context.Context, event *types.InboundEvent, opts ...gateway.RunOption) error
}

var _ Inbound = (*gateway.Gateway)(nil)

// Adapter bridges Telegram to kBot.
type Adapter struct {
	bot          Bot
	gateway      Inbound
	transcripts  types.TranscriptStore
	editInterval time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithEditInterval overrides DefaultEditInterval. Zero disables throttling.
func WithEditInterval(d time.Duration) Option {
	return func(a *Adapter) { a.editInterval = d }
}

// New connects to the Bot API with token and creates an adapter.
func New(token string, gw Inbound, transcripts types.TranscriptStore, opts ...Option) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return NewWithBot(bot, gw, transcripts, opts...), nil
}

// NewWithBot creates an adapter around an existing bot client.
func NewWithBot(bot Bot, gw Inbound, transcripts types.TranscriptStore, opts ...Option) *Adapter {
	a := &Adapter{
		bot:          bot,
		gateway:      gw,
		transcripts:  transcripts,
		editInterval: DefaultEditInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start long-polls for updates until ctx is done.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}
	a.ask(ctx, msg, msg.Text, ctxengine.ModeChat)
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	key := buildTranscriptKey(msg.From.ID, chatID)

	switch msg.Command() {
	case "start":
		a.sendText(chatID, "Hi! I'm kBot. Send me a message, or use /image to draw something.")

	case "new":
		if err := a.transcripts.Reset(ctx, key); err != nil {
			slog.Error("reset transcript", "key", string(key), "error", err)
			a.sendText(chatID, "Could not start a new conversation.")
			return
		}
		a.sendText(chatID, "Starting a new conversation.")

	case "status":
		count, err := a.transcripts.Count(ctx, key)
		if err != nil {
			slog.Error("count transcript", "key", string(key), "error", err)
			a.sendText(chatID, "Error fetching status.")
			return
		}
		a.sendText(chatID, fmt.Sprintf("Conversation: %s\nTurns: %d", key, count))

	case "image", "text":
		prompt := strings.TrimSpace(msg.CommandArguments())
		if prompt == "" {
			a.sendText(chatID, fmt.Sprintf("Usage: /%s <prompt>", msg.Command()))
			return
		}
		a.ask(ctx, msg, prompt, ctxengine.ParseMode(msg.Command()))

	default:
		a.sendText(chatID, "Unknown command. Available: /start, /new, /status, /image, /text")
	}
}

func (a *Adapter) ask(ctx context.Context, msg *tgbotapi.Message, text string, mode ctxengine.Mode) {
	chatID := msg.Chat.ID
	event := &types.InboundEvent{
		Source: "telegram",
		Key:    buildTranscriptKey(msg.From.ID, chatID),
		UserID: types.UserID(strconv.FormatInt(msg.From.ID, 10)),
		Text:   text,
		Mode:   string(mode),
	}

	out := a.newStreamingReply(chatID)
	err := a.gateway.HandleInbound(ctx, event,
		gateway.WithOnPartial(out.partial),
		gateway.WithOnComplete(out.complete),
		gateway.WithOnError(out.fail),
	)
	if err != nil {
		slog.Error("handle inbound", "chat", chatID, "error", err)
		a.sendText(chatID, "Sorry, I could not take that request right now.")
	}
}

// streamingReply renders one kBot reply as a single Telegram message that
// is edited in place while text arrives.
type streamingReply struct {
	a       *Adapter
	chatID  int64
	limiter *rate.Limiter

	mu        sync.Mutex
	messageID int
	shown     string
}

func (a *Adapter) newStreamingReply(chatID int64) *streamingReply {
	limit := rate.Inf
	if a.editInterval > 0 {
		limit = rate.Every(a.editInterval)
	}
	return &streamingReply{a: a, chatID: chatID, limiter: rate.NewLimiter(limit, 1)}
}

func (s *streamingReply) partial(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.limiter.Allow() {
		return
	}
	s.show(truncate(text, maxTelegramMessage))
}

func (s *streamingReply) complete(res *reply.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res.AttachmentURL != "" {
		if err := s.a.sendPhoto(s.chatID, res.AttachmentURL, res.Text); err != nil {
			slog.Error("send photo", "chat", s.chatID, "error", err)
			s.show(reply.Notice(err))
		}
		return
	}

	parts := splitMessage(res.Text)
	s.show(parts[0])
	for _, part := range parts[1:] {
		s.a.sendText(s.chatID, part)
	}
}

func (s *streamingReply) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.show(reply.Notice(err))
}

// show sends the first message of the reply or edits it. Callers hold mu.
func (s *streamingReply) show(text string) {
	if text == "" || text == s.shown {
		return
	}
	if s.messageID == 0 {
		sent, err := s.a.bot.Send(tgbotapi.NewMessage(s.chatID, text))
		if err != nil {
			slog.Error("send message", "chat", s.chatID, "error", err)
			return
		}
		s.messageID = sent.MessageID
	} else {
		edit := tgbotapi.NewEditMessageText(s.chatID, s.messageID, text)
		if _, err := s.a.bot.Send(edit); err != nil {
			slog.Warn("edit message", "chat", s.chatID, "error", err)
			return
		}
	}
	s.shown = text
}

func (a *Adapter) sendText(chatID int64, text string) {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := a.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.bot.Send(msg); err != nil {
				slog.Error("send message", "chat", chatID, "error", err)
			}
		}
	}
}

func (a *Adapter) sendPhoto(chatID int64, url, caption string) error {
	file, err := photoFile(url)
	if err != nil {
		return err
	}
	photo := tgbotapi.NewPhoto(chatID, file)
	photo.Caption = truncate(caption, 1024)
	if _, err := a.bot.Send(photo); err != nil {
		return fmt.Errorf("send photo: %w", err)
	}
	return nil
}

// photoFile accepts a remote URL or a base64 data URL.
func photoFile(url string) (tgbotapi.RequestFileData, error) {
	if !strings.HasPrefix(url, "data:") {
		return tgbotapi.FileURL(url), nil
	}
	_, payload, ok := strings.Cut(url, ",")
	if !ok {
		return nil, fmt.Errorf("malformed data url")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return tgbotapi.FileBytes{Name: "image.png", Bytes: data}, nil
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		part := truncate(text, maxTelegramMessage)
		parts = append(parts, part)
		text = text[len(part):]
	}
	return parts
}

// truncate cuts text to at most n bytes without splitting a rune.
func truncate(text string, n int) string {
	if len(text) <= n {
		return text
	}
	end := n
	for end > 0 && !utf8.RuneStart(text[end]) {
		end--
	}
	return text[:end]
}

func buildTranscriptKey(userID, chatID int64) types.TranscriptKey {
	return types.NewTranscriptKey("telegram",
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(chatID, 10),
	)
}
