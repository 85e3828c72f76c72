package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/matheus3301/chatlog/internal/api"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), st, func(w io.Writer) error {
				return printStatus(w, st)
			})
		})
	},
}

func printStatus(w io.Writer, st *api.StatusReply) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Profile:\t%s\n", st.Profile)
	fmt.Fprintf(tw, "Uptime:\t%s\n", st.Uptime)
	storage := st.Storage
	if st.WriterMode != "" {
		storage += " (" + st.WriterMode + ")"
	}
	fmt.Fprintf(tw, "Storage:\t%s\n", storage)
	fmt.Fprintf(tw, "Conversations:\t%d\n", st.Conversations)
	contacts := fmt.Sprint(st.Contacts)
	if st.ContactsRefreshing {
		contacts += " (refreshing)"
	}
	fmt.Fprintf(tw, "Contacts:\t%s\n", contacts)
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(st.Open) == 0 {
		return nil
	}

	fmt.Fprintln(w, headerStyle.Render("Open timelines"))
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TALKER\tVERSION\tMESSAGES\tGAPS\tEMPTY\tSTATE")
	for _, o := range st.Open {
		state := o.HistoryState
		switch {
		case o.Error != "":
			state = "error: " + o.Error
		case o.Loading:
			state = "loading"
		case state == "":
			state = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n", o.Talker, o.Version, o.Counts.Messages, o.Counts.Gaps, o.Counts.EmptyRanges, state)
	}
	return tw.Flush()
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
