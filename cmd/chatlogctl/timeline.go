package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/matheus3301/chatlog/internal/api"
	"github.com/spf13/cobra"
)

var (
	rangeFrom string
	rangeTo   string
)

func addRangeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&rangeFrom, "from", "", "range start: RFC 3339, 2006-01-02[ 15:04], 36h or 7d ago")
	cmd.Flags().StringVar(&rangeTo, "to", "", "range end (default now)")
}

// timelineCmd builds a command that prints the timeline returned by fn.
func timelineCmd(use, short string, args cobra.PositionalArgs, fn func(ctx context.Context, c *api.Client, args []string) (*api.TimelineView, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *api.Client) error {
				v, err := fn(ctx, c, args)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), v, func(w io.Writer) error {
					return printTimeline(w, v)
				})
			})
		},
	}
}

var openCmd = timelineCmd("open <talker>", "Open a conversation and load its recent history", cobra.ExactArgs(1),
	func(ctx context.Context, c *api.Client, args []string) (*api.TimelineView, error) {
		r, err := parseRange(rangeFrom, rangeTo, time.Now())
		if err != nil {
			return nil, err
		}
		return c.Open(ctx, args[0], r)
	})

var moreCmd = timelineCmd("more <talker>", "Load the next older page of an open conversation", cobra.ExactArgs(1),
	func(ctx context.Context, c *api.Client, args []string) (*api.TimelineView, error) {
		return c.LoadMore(ctx, args[0])
	})

var resolveCmd = timelineCmd("resolve <talker> <sentinel-id>", "Load the range behind a gap or empty range", cobra.ExactArgs(2),
	func(ctx context.Context, c *api.Client, args []string) (*api.TimelineView, error) {
		return c.ResolveSentinel(ctx, args[0], args[1])
	})

var showCmd = timelineCmd("show <talker>", "Print the current timeline of an open conversation", cobra.ExactArgs(1),
	func(ctx context.Context, c *api.Client, args []string) (*api.TimelineView, error) {
		return c.Snapshot(ctx, args[0])
	})

var messagesCmd = &cobra.Command{
	Use:   "messages <talker>",
	Short: "List the loaded messages of an open conversation",
	Long: `List the messages already loaded for an open conversation, optionally
within --from/--to. Nothing is fetched; use "range" to fetch missing history.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := parseRange(rangeFrom, rangeTo, time.Now())
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			reply, err := c.Messages(ctx, args[0], r)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), reply, func(w io.Writer) error {
				return printMessages(w, reply)
			})
		})
	},
}

var rangeCmd = &cobra.Command{
	Use:   "range <talker>",
	Short: "Fetch a time range of a conversation and print its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := parseRange(rangeFrom, rangeTo, time.Now())
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("--from is required")
		}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			reply, err := c.RequestRange(ctx, args[0], *r)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), reply, func(w io.Writer) error {
				return printMessages(w, reply)
			})
		})
	},
}

var closeCmd = &cobra.Command{
	Use:   "close <talker>",
	Short: "Drop an open conversation from the daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			if err := c.CloseTimeline(ctx, args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "closed %s\n", args[0])
			return err
		})
	},
}

func printMessages(w io.Writer, reply *api.MessagesReply) error {
	if reply.Count == 0 {
		_, err := fmt.Fprintln(w, dimStyle.Render("no messages"))
		return err
	}
	width := wrapWidth()
	for _, m := range reply.Messages {
		if _, err := fmt.Fprintln(w, formatMessage(m, width)); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	addRangeFlags(openCmd)
	addRangeFlags(messagesCmd)
	addRangeFlags(rangeCmd)
	rootCmd.AddCommand(openCmd, moreCmd, resolveCmd, showCmd, messagesCmd, rangeCmd, closeCmd)
}
