package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/khappy/internal/chat"
	ctxengine "github.com/user/khappy/internal/context"
	"github.com/user/khappy/internal/gateway"
	"github.com/user/khappy/internal/reply"
	"github.com/user/khappy/internal/types"
	"github.com/user/khappy/internal/viewmodel"
)

func init() {
	rootCmd.AddCommand(askCmd)
	addConversationFlags(askCmd)
	askCmd.Flags().String("mode", "chat", "chat, image or text")
	askCmd.Flags().Bool("new", false, "start a fresh kBot conversation")
}

var askCmd = &cobra.Command{
	Use:   "ask <prompt...>",
	Short: "Ask kBot through the relay",
	Long: "Ask kBot through the relay. With --channel or --dm the question and the " +
		"reply are posted to that conversation; otherwise kBot answers in a private " +
		"transcript that persists between calls.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		modeFlag, _ := cmd.Flags().GetString("mode")
		mode := ctxengine.ParseMode(modeFlag)
		text := strings.Join(args, " ")

		conv, inConversation, err := conversationFlag(cmd)
		if err != nil {
			return err
		}
		if inConversation {
			return askInConversation(ctx, a, conv, mode, text)
		}
		fresh, _ := cmd.Flags().GetBool("new")
		return askPrivately(ctx, a, mode, text, fresh)
	},
}

// printer writes only the new suffix of monotonically growing text.
type printer struct {
	mu      sync.Mutex
	printed string
}

func (p *printer) show(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !strings.HasPrefix(text, p.printed) {
		return
	}
	fmt.Fprint(os.Stdout, text[len(p.printed):])
	p.printed = text
}

func (p *printer) finish(res *reply.Result) {
	p.show(res.Text)
	fmt.Fprintln(os.Stdout)
	if res.AttachmentURL != "" {
		fmt.Fprintln(os.Stdout, saveAttachment(res.AttachmentURL))
	}
}

func askPrivately(ctx context.Context, a *app, mode ctxengine.Mode, text string, fresh bool) error {
	key := types.NewTranscriptKey("cli", string(a.session().UserID))
	if fresh {
		if err := a.transcripts.Reset(ctx, key); err != nil {
			return fmt.Errorf("reset transcript: %w", err)
		}
	}

	gw := gateway.New(a.transcripts, a.relayClient(), 1)
	gw.SetHistory(a.cfg.HistoryTurns)
	gw.Start(ctx)
	defer gw.Stop()

	out := &printer{}
	done := make(chan error, 1)
	err := gw.HandleInbound(ctx, &types.InboundEvent{
		Source: "cli",
		Key:    key,
		UserID: a.session().UserID,
		Text:   text,
		Mode:   string(mode),
	},
		gateway.WithOnPartial(out.show),
		gateway.WithOnComplete(func(res *reply.Result) {
			out.finish(res)
			done <- nil
		}),
		gateway.WithOnError(func(err error) { done <- err }),
	)
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		if err != nil {
			return errors.New(reply.Notice(err))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func askInConversation(ctx context.Context, a *app, conv types.ConversationID, mode ctxengine.Mode, text string) error {
	out := &printer{}
	view := viewmodel.New(a.messages, a.hub, viewmodel.WithOnChange(func(msgs []types.Message) {
		for i := range msgs {
			if msgs[i].Streaming {
				out.show(msgs[i].Content)
			}
		}
	}))
	if err := view.Open(ctx, conv); err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	defer view.Close()

	svc := a.chatService(chat.WithView(view), chat.WithAssistant(a.relayClient()))
	session := a.session()
	if _, err := svc.Send(ctx, session, conv, text, ""); err != nil {
		return err
	}

	history := chat.History(view.Messages(), a.cfg.HistoryTurns)
	msg, err := svc.SendAssistantReply(ctx, session, conv, mode, history)
	if err != nil {
		return errors.New(reply.Notice(err))
	}
	out.finish(&reply.Result{Text: msg.Content, AttachmentURL: msg.AttachmentURL})
	return nil
}

// saveAttachment writes data URLs to a local file and returns what to show.
func saveAttachment(url string) string {
	if !strings.HasPrefix(url, "data:") {
		return url
	}
	header, payload, ok := strings.Cut(url, ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return "(unreadable image)"
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "(unreadable image)"
	}
	ext := ".png"
	if strings.HasPrefix(header, "data:image/jpeg") {
		ext = ".jpg"
	}
	name := "kbot-" + time.Now().Format("20060102-150405") + ext
	if err := os.WriteFile(name, data, 0644); err != nil {
		return fmt.Sprintf("(could not save image: %v)", err)
	}
	return "Image saved to " + name
}
