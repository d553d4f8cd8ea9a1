package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

const pidFileName = "khappy.pid"

func init() {
	rootCmd.AddCommand(
		signalCommand("stop", "Stop the running daemon", syscall.SIGTERM),
		signalCommand("restart", "Re-exec the running daemon with fresh config", syscall.SIGHUP),
	)
}

// daemon finds the serve process from its PID file and checks it is alive.
func daemon(dataDir string) (*os.Process, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, pidFileName))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("no running daemon (PID file not found)")
	}
	if err != nil {
		return nil, fmt.Errorf("read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid PID file content: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return nil, fmt.Errorf("no running daemon (process %d not found)", pid)
	}
	return proc, nil
}

func signalCommand(use, short string, sig syscall.Signal) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			proc, err := daemon(loadConfig().DataDir)
			if err != nil {
				return err
			}
			if err := proc.Signal(sig); err != nil {
				return fmt.Errorf("send %v: %w", sig, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %v to daemon (PID %d).\n", sig, proc.Pid)
			return nil
		},
	}
}
