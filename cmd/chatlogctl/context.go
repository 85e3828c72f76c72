package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/matheus3301/chatlog/internal/api"
	"github.com/matheus3301/chatlog/internal/contextapi"
	"github.com/spf13/cobra"
)

var (
	ctxStrategy  string
	ctxLimit     int
	ctxMaxTokens int
	ctxKeywords  []string
)

var contextCmd = &cobra.Command{
	Use:   "context <talker>",
	Short: "Build a prompt context from a conversation",
	Long: `Build a text context from a conversation.

  recent  the newest --limit messages of the timeline
  range   everything in --from/--to, fetched if not cached
  smart   the best scoring messages that fit --max-tokens`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := parseRange(rangeFrom, rangeTo, time.Now())
		if err != nil {
			return err
		}
		req := contextapi.Request{
			Talker:    args[0],
			Strategy:  contextapi.Strategy(ctxStrategy),
			Range:     r,
			Limit:     ctxLimit,
			MaxTokens: ctxMaxTokens,
			Keywords:  ctxKeywords,
		}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			built, err := contextapi.Build(ctx, c.Accessor(), req)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), built, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s\n%s\n", built.Text,
					dimStyle.Render(fmt.Sprintf("%d messages, about %d tokens", len(built.Messages), built.Tokens)))
				return err
			})
		})
	},
}

func init() {
	addRangeFlags(contextCmd)
	contextCmd.Flags().StringVar(&ctxStrategy, "strategy", string(contextapi.StrategyRecent), "recent, range or smart")
	contextCmd.Flags().IntVar(&ctxLimit, "limit", contextapi.DefaultLimit, "maximum messages")
	contextCmd.Flags().IntVar(&ctxMaxTokens, "max-tokens", 0, "token budget (0 for none)")
	contextCmd.Flags().StringSliceVar(&ctxKeywords, "keyword", nil, "keywords favoured by the smart strategy")
	rootCmd.AddCommand(contextCmd)
}
