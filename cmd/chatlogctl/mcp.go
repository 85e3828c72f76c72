package main

import (
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/matheus3301/chatlog/internal/contextapi"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the context tools over MCP on stdin/stdout",
	Long: `Serve the chat context tools to an MCP client over stdio. Every tool
call goes through the running daemon of the selected profile.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := dial()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		srv := server.NewStdioServer(contextapi.NewMCPServer(c.Accessor(), version))
		return srv.Listen(cmd.Context(), os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
