package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/chatlog/internal/api"
	"github.com/matheus3301/chatlog/internal/profile"
	"github.com/spf13/cobra"
)

var (
	profileFlag string
	outputFlag  string
	timeoutFlag time.Duration
	version     = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "chatlogctl",
	Short: "Query and drive the chat history cache daemon",
	Long: `chatlogctl talks to a running chatlogd over its unix socket.

Open a conversation to load its recent history, page older messages in,
resolve the gaps and empty ranges the cache knows about, and search what
is already cached.

  chatlogctl conversations          # most recent conversations
  chatlogctl open wxid_abc          # open a timeline
  chatlogctl more wxid_abc          # load the next older page
  chatlogctl search deploy          # search cached messages`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := parseFormat(outputFlag); err != nil {
			return err
		}
		return nil
	},
}

// Execute runs the root command and exits non-zero on failure. An interrupt
// cancels the command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("error:"), err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "text", "output format: text, json or yaml")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 30*time.Second, "per-command timeout")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

// dial connects to the daemon of the selected profile.
func dial() (*api.Client, string, error) {
	name := profile.Resolve(profileFlag)
	if err := profile.ValidateName(name); err != nil {
		return nil, "", err
	}
	c, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		return nil, "", fmt.Errorf("connect to daemon: %w", err)
	}
	return c, name, nil
}

// withClient runs fn against the daemon with the command timeout applied.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *api.Client) error) error {
	c, _, err := dial()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
	defer cancel()
	return fn(ctx, c)
}
