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

var contactsLimit int

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Manage the contact directory",
}

var contactsRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Download the contact directory, reporting progress",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := dial()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		var last api.ProgressUpdate
		f, _ := parseFormat(outputFlag)
		text := f == formatText
		err = c.RefreshContacts(cmd.Context(), func(p *api.ProgressUpdate) error {
			last = *p
			if text {
				_, err := fmt.Fprintf(cmd.ErrOrStderr(), "\r%-40s", formatProgress(*p))
				return err
			}
			return nil
		})
		if text {
			fmt.Fprintln(cmd.ErrOrStderr())
		}
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), last, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "%d contacts loaded\n", last.Loaded)
			return err
		})
	},
}

var contactsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the contact directory",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			reply, err := c.SearchContacts(ctx, query, contactsLimit)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), reply, func(w io.Writer) error {
				return printContacts(w, reply)
			})
		})
	},
}

func printContacts(w io.Writer, reply *api.SearchReply) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WXID\tNAME\tALIAS\tFRIEND")
	for _, c := range reply.Contacts {
		friend := ""
		if c.IsFriend {
			friend = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Wxid, c.DisplayName(), c.Alias, friend)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if reply.Total > len(reply.Contacts) {
		_, err := fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("%d of %d matches", len(reply.Contacts), reply.Total)))
		return err
	}
	return nil
}

func init() {
	contactsSearchCmd.Flags().IntVar(&contactsLimit, "limit", 20, "maximum results")
	contactsCmd.AddCommand(contactsRefreshCmd, contactsSearchCmd)
	rootCmd.AddCommand(contactsCmd)
}
