package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/khappy/internal/mention"
	"github.com/user/khappy/internal/types"
	"github.com/user/khappy/internal/viewmodel"
)

func init() {
	rootCmd.AddCommand(messageCmd)
	messageCmd.AddCommand(messageListCmd, messageSendCmd, messageDeleteCmd)

	addConversationFlags(messageListCmd)
	addConversationFlags(messageSendCmd)
	messageSendCmd.Flags().String("attachment", "", "attachment URL")
}

var messageCmd = &cobra.Command{
	Use:   "message",
	Short: "Read and write conversation messages",
}

var messageListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the newest messages of a conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, err := requireConversation(cmd)
		if err != nil {
			return err
		}
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}

		view := viewmodel.New(a.messages, a.hub)
		if err := view.Open(ctx, conv); err != nil {
			return fmt.Errorf("load messages: %w", err)
		}
		defer view.Close()

		msgs := view.Messages()
		if len(msgs) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}

		self := a.session().UserID
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTIME\tFROM\tMESSAGE")
		for i := range msgs {
			m := &msgs[i]
			from := m.AuthorName()
			if m.AuthorType(self) == types.AuthorOwn {
				from += " (you)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				m.ID,
				m.CreatedAt.Local().Format("2006-01-02 15:04"),
				from,
				renderContent(m),
			)
		}
		return w.Flush()
	},
}

// renderContent flattens a message for one table row, emphasising mentions.
func renderContent(m *types.Message) string {
	text := strings.ReplaceAll(m.Content, "\n", " ")
	text = mention.Highlight(text, func(token string) string {
		return "*" + token + "*"
	})
	if m.AttachmentURL != "" {
		if text != "" {
			text += " "
		}
		text += "[attachment " + m.AttachmentURL + "]"
	}
	return text
}

var messageSendCmd = &cobra.Command{
	Use:   "send <text...>",
	Short: "Post a message",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, err := requireConversation(cmd)
		if err != nil {
			return err
		}
		attachment, _ := cmd.Flags().GetString("attachment")
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}

		msg, err := a.chatService().Send(ctx, a.session(), conv, strings.Join(args, " "), attachment)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Sent %s to %s.\n", msg.ID, conv)
		return nil
	},
}

var messageDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		if err := a.chatService().Delete(ctx, a.session(), types.MessageID(args[0])); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Message %s deleted.\n", args[0])
		return nil
	},
}
