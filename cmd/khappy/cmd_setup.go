package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/khappy/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Walk through the essential settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		in := bufio.NewScanner(cmd.InOrStdin())
		out := cmd.OutOrStdout()

		questions := []struct {
			label  string
			target *string
		}{
			{"Your handle", &cfg.User.Handle},
			{"Your display name", &cfg.User.DisplayName},
			{"AI gateway base URL", &cfg.AI.BaseURL},
			{"AI gateway API key", &cfg.AI.APIKey},
			{"Chat model", &cfg.AI.ChatModel},
			{"Image model", &cfg.AI.ImageModel},
			{"Relay listen address", &cfg.Relay.Listen},
			{"Relay URL for clients", &cfg.Relay.URL},
			{"Telegram bot token (optional)", &cfg.Telegram.Token},
		}

		fmt.Fprintln(out, "kHappy setup. Press Enter to keep the value in brackets.")
		for _, q := range questions {
			*q.target = ask(in, out, q.label, *q.target)
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Fprintln(out, "Saved", cfgPath)
		return nil
	},
}

// ask reads one answer, falling back to current on empty input or EOF.
func ask(in *bufio.Scanner, out io.Writer, label, current string) string {
	if current == "" {
		fmt.Fprintf(out, "%s: ", label)
	} else {
		fmt.Fprintf(out, "%s [%s]: ", label, current)
	}
	if !in.Scan() {
		return current
	}
	if answer := strings.TrimSpace(in.Text()); answer != "" {
		return answer
	}
	return current
}
