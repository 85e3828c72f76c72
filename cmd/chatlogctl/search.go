package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/matheus3301/chatlog/internal/api"
	"github.com/spf13/cobra"
)

var (
	searchTalker string
	searchLimit  int
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search cached message content",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			reply, err := c.SearchMessages(ctx, query, searchTalker, searchLimit)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), reply, func(w io.Writer) error {
				return printSearch(w, reply)
			})
		})
	},
}

func printSearch(w io.Writer, reply *api.MessageSearchReply) error {
	if len(reply.Results) == 0 {
		_, err := fmt.Fprintln(w, dimStyle.Render("no matches"))
		return err
	}
	for _, r := range reply.Results {
		m := r.Message
		_, err := fmt.Fprintf(w, "%s %s %s\n    %s\n",
			dimStyle.Render(m.Timestamp().Local().Format("2006-01-02 15:04")),
			nameStyle.Render(m.Talker),
			senderName(m),
			oneLine(r.Snippet, wrapWidth()-bodyIndent))
		if err != nil {
			return err
		}
	}
	return nil
}

func init() {
	searchCmd.Flags().StringVar(&searchTalker, "talker", "", "search only this conversation")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "maximum results")
	rootCmd.AddCommand(searchCmd)
}
