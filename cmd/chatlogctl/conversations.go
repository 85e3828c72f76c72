package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/matheus3301/chatlog/internal/api"
	"github.com/spf13/cobra"
)

var (
	listLimit  int
	listOffset int
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls", "list"},
	Short:   "List conversations, most recent first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			reply, err := c.Conversations(ctx, listLimit, listOffset)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), reply, func(w io.Writer) error {
				return printConversations(w, reply.Conversations)
			})
		})
	},
}

func printConversations(w io.Writer, convs []api.Conversation) error {
	if len(convs) == 0 {
		_, err := fmt.Fprintln(w, dimStyle.Render("no conversations"))
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TALKER\tNAME\tLAST\tMESSAGE")
	for _, c := range convs {
		name := c.Name
		if c.Open {
			name += " *"
		}
		last := "-"
		if !c.LastMessageAt.IsZero() {
			last = c.LastMessageAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Talker, name, last, oneLine(c.LastMessageText, 50))
	}
	return tw.Flush()
}

// oneLine flattens s onto a single line of at most n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func init() {
	conversationsCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum conversations to list")
	conversationsCmd.Flags().IntVar(&listOffset, "offset", 0, "conversations to skip")
	rootCmd.AddCommand(conversationsCmd)
}
