package contextapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer registers the context tools over acc.
func NewMCPServer(acc Accessor, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"chatlog",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("chatlog: read cached chat history. Times are RFC 3339 or \"2006-01-02 15:04:05\" (UTC+8)."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_messages",
			mcp.WithDescription("List the loaded messages of a conversation, opening it if needed."),
			mcp.WithString("talker", mcp.Description("Conversation id"), mcp.Required()),
			mcp.WithString("from", mcp.Description("Optional window start")),
			mcp.WithString("to", mcp.Description("Optional window end")),
		),
		mcpListMessages(acc),
	)

	s.AddTool(
		mcp.NewTool("request_range",
			mcp.WithDescription("Fetch a time range of a conversation that is not loaded yet and return its messages."),
			mcp.WithString("talker", mcp.Description("Conversation id"), mcp.Required()),
			mcp.WithString("from", mcp.Description("Range start"), mcp.Required()),
			mcp.WithString("to", mcp.Description("Range end"), mcp.Required()),
		),
		mcpRequestRange(acc),
	)

	s.AddTool(
		mcp.NewTool("build_context",
			mcp.WithDescription("Build a text context from a conversation for summarization or questions."),
			mcp.WithString("talker", mcp.Description("Conversation id"), mcp.Required()),
			mcp.WithString("strategy", mcp.Description("recent, range or smart (default recent)")),
			mcp.WithString("from", mcp.Description("Optional range start")),
			mcp.WithString("to", mcp.Description("Optional range end")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of messages (default 100)")),
			mcp.WithNumber("max_tokens", mcp.Description("Token budget")),
			mcp.WithArray("keywords", mcp.Description("Keywords that raise a message's score in the smart strategy")),
		),
		mcpBuildContext(acc),
	)

	return s
}

func mcpListMessages(acc Accessor) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		talker, err := req.RequireString("talker")
		if err != nil {
			return mcpError("talker is required"), nil
		}
		window, err := parseWindow(req.GetString("from", ""), req.GetString("to", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if err := acc.Open(ctx, talker); err != nil {
			return mcpError(fmt.Sprintf("open %s: %v", talker, err)), nil
		}
		msgs, err := acc.Messages(talker, window)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(messagesResponse{Talker: talker, Count: len(msgs), Messages: nonNil(msgs)})
	}
}

func mcpRequestRange(acc Accessor) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		talker, err := req.RequireString("talker")
		if err != nil {
			return mcpError("talker is required"), nil
		}
		window, err := parseWindow(req.GetString("from", ""), req.GetString("to", ""))
		if err != nil || window == nil {
			return mcpError("from and to are required"), nil
		}
		msgs, err := acc.RequestRange(ctx, talker, *window)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(messagesResponse{Talker: talker, Count: len(msgs), Messages: nonNil(msgs)})
	}
}

func mcpBuildContext(acc Accessor) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		talker, err := req.RequireString("talker")
		if err != nil {
			return mcpError("talker is required"), nil
		}
		window, err := parseWindow(req.GetString("from", ""), req.GetString("to", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}
		out, err := Build(ctx, acc, Request{
			Talker:    talker,
			Strategy:  Strategy(req.GetString("strategy", string(StrategyRecent))),
			Range:     window,
			Limit:     req.GetInt("limit", DefaultLimit),
			MaxTokens: req.GetInt("max_tokens", 0),
			Keywords:  req.GetStringSlice("keywords", nil),
		})
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(out.Text), nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
