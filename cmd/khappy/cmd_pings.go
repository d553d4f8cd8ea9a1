package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/khappy/internal/types"
)

func init() {
	rootCmd.AddCommand(pingsCmd)
	pingsCmd.AddCommand(pingsListCmd, pingsReadCmd)
}

var pingsCmd = &cobra.Command{
	Use:   "pings",
	Short: "Mention notifications",
}

var pingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your newest pings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		svc := a.chatService()
		session := a.session()

		pings, err := svc.Pings(ctx, session)
		if err != nil {
			return err
		}
		if len(pings) == 0 {
			fmt.Println("No pings.")
			return nil
		}
		unread, err := svc.UnreadCount(ctx, session)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tFROM\tMESSAGE\tWHEN")
		for _, n := range pings {
			from, text := "?", "(deleted)"
			msg, err := a.messages.FetchMessage(ctx, n.MessageID)
			switch {
			case err == nil:
				from, text = msg.AuthorName(), renderContent(msg)
			case !errors.Is(err, types.ErrNotFound):
				return err
			}
			status := "read"
			if !n.Read {
				status = "unread"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", n.ID, status, from, text,
				n.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%d unread.\n", unread)
		return nil
	},
}

var pingsReadCmd = &cobra.Command{
	Use:   "read <id|all>",
	Short: "Mark a ping, or all pings, as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		svc := a.chatService()

		if args[0] == "all" {
			n, err := svc.MarkAllRead(ctx, a.session())
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Marked %d pings as read.\n", n)
			return nil
		}
		if err := svc.MarkRead(ctx, a.session(), types.NotificationID(args[0])); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Ping %s marked as read.\n", args[0])
		return nil
	},
}
