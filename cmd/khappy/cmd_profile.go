package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/khappy/internal/types"
)

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileAddCmd, profileListCmd)

	profileAddCmd.Flags().String("id", "", "user id (generated when empty)")
	profileAddCmd.Flags().String("avatar", "", "avatar URL")
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage the user directory",
}

var profileAddCmd = &cobra.Command{
	Use:   "add <handle> <display name>",
	Short: "Add or update a profile",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		id, _ := cmd.Flags().GetString("id")
		avatar, _ := cmd.Flags().GetString("avatar")

		p := &types.Profile{
			ID:          types.UserID(id),
			Handle:      args[0],
			DisplayName: args[1],
			AvatarURL:   avatar,
		}
		if p.ID == "" {
			p.ID = types.NewUserID()
		}
		if err := a.profiles.Put(ctx, p); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Profile @%s saved (%s).\n", p.Handle, p.ID)
		return nil
	},
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		list, err := a.profiles.List(ctx)
		if err != nil {
			return fmt.Errorf("list profiles: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tHANDLE\tNAME\tSTATUS\tLAST SEEN")
		for _, p := range list {
			seen := "-"
			if p.LastSeen != nil {
				seen = p.LastSeen.Local().Format("2006-01-02 15:04")
			}
			status := p.Status
			if status == "" {
				status = "-"
			}
			fmt.Fprintf(w, "%s\t@%s\t%s\t%s\t%s\n", p.ID, p.Handle, p.DisplayName, status, seen)
		}
		return w.Flush()
	},
}
