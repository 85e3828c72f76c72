package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/matheus3301/chatlog/internal/contextapi"
	"github.com/matheus3301/chatlog/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const accessorTimeout = 30 * time.Second

// Client talks to a running daemon over its unix socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon socket. The connection is established lazily.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient("unix://"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func call[Resp any](ctx context.Context, c *Client, service, method string, req any) (*Resp, error) {
	in, err := encode(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+service+"/"+method, in, out); err != nil {
		return nil, fromStatus(err)
	}
	resp := new(Resp)
	if err := decode(out, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func stream[Resp any](ctx context.Context, c *Client, desc *grpc.ServiceDesc, method string, req any, fn func(*Resp) error) error {
	var sd *grpc.StreamDesc
	for i := range desc.Streams {
		if desc.Streams[i].StreamName == method {
			sd = &desc.Streams[i]
		}
	}
	if sd == nil {
		return fmt.Errorf("%s has no stream %s", desc.ServiceName, method)
	}
	in, err := encode(req)
	if err != nil {
		return err
	}
	cs, err := c.conn.NewStream(ctx, sd, "/"+desc.ServiceName+"/"+method)
	if err != nil {
		return fromStatus(err)
	}
	if err := cs.SendMsg(in); err != nil {
		return fromStatus(err)
	}
	if err := cs.CloseSend(); err != nil {
		return fromStatus(err)
	}
	for {
		out := new(structpb.Struct)
		if err := cs.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fromStatus(err)
		}
		resp := new(Resp)
		if err := decode(out, resp); err != nil {
			return err
		}
		if err := fn(resp); err != nil {
			return err
		}
	}
}

// Open opens a conversation. A non-nil r constrains it to that range.
func (c *Client) Open(ctx context.Context, talker string, r *store.TimeRange) (*TimelineView, error) {
	return call[TimelineView](ctx, c, TimelineServiceName, "Open", OpenRequest{Talker: talker, Range: r})
}

// LoadMore fetches the next older page.
func (c *Client) LoadMore(ctx context.Context, talker string) (*TimelineView, error) {
	return call[TimelineView](ctx, c, TimelineServiceName, "LoadMore", TalkerRequest{Talker: talker})
}

// ResolveSentinel fetches the range behind a marker.
func (c *Client) ResolveSentinel(ctx context.Context, talker, id string) (*TimelineView, error) {
	return call[TimelineView](ctx, c, TimelineServiceName, "ResolveSentinel", ResolveRequest{Talker: talker, ID: id})
}

// Snapshot returns the current timeline of an open conversation.
func (c *Client) Snapshot(ctx context.Context, talker string) (*TimelineView, error) {
	return call[TimelineView](ctx, c, TimelineServiceName, "Snapshot", TalkerRequest{Talker: talker})
}

// RequestRange makes a range resident and returns its messages.
func (c *Client) RequestRange(ctx context.Context, talker string, r store.TimeRange) (*MessagesReply, error) {
	return call[MessagesReply](ctx, c, TimelineServiceName, "RequestRange", RangeRequest{Talker: talker, Range: r})
}

// Messages lists the loaded messages of an open conversation.
func (c *Client) Messages(ctx context.Context, talker string, window *store.TimeRange) (*MessagesReply, error) {
	return call[MessagesReply](ctx, c, TimelineServiceName, "Messages", MessagesRequest{Talker: talker, Range: window})
}

// CloseTimeline drops an open conversation from the daemon.
func (c *Client) CloseTimeline(ctx context.Context, talker string) error {
	_, err := call[TalkerRequest](ctx, c, TimelineServiceName, "Close", TalkerRequest{Talker: talker})
	return err
}

// Watch calls fn for each timeline event until ctx ends or fn fails.
func (c *Client) Watch(ctx context.Context, talker string, fn func(*EventEnvelope) error) error {
	return stream(ctx, c, &TimelineServiceDesc, "Watch", WatchRequest{Talker: talker}, fn)
}

// RefreshContacts downloads the directory, calling fn with each progress report.
func (c *Client) RefreshContacts(ctx context.Context, fn func(*ProgressUpdate) error) error {
	return stream(ctx, c, &ContactServiceDesc, "Refresh", RefreshRequest{}, fn)
}

// SearchContacts queries the directory.
func (c *Client) SearchContacts(ctx context.Context, query string, limit int) (*SearchReply, error) {
	return call[SearchReply](ctx, c, ContactServiceName, "Search", SearchRequest{Query: query, Limit: limit})
}

// Conversations lists conversations, most recent first.
func (c *Client) Conversations(ctx context.Context, limit, offset int) (*ConversationsReply, error) {
	return call[ConversationsReply](ctx, c, ConversationServiceName, "List", ListRequest{Limit: limit, Offset: offset})
}

// SearchMessages searches cached message content. An empty talker searches
// every conversation.
func (c *Client) SearchMessages(ctx context.Context, query, talker string, limit int) (*MessageSearchReply, error) {
	return call[MessageSearchReply](ctx, c, ConversationServiceName, "Search", MessageSearchRequest{Query: query, Talker: talker, Limit: limit})
}

// Status reports the daemon state.
func (c *Client) Status(ctx context.Context) (*StatusReply, error) {
	return call[StatusReply](ctx, c, StatusServiceName, "Status", StatusRequest{})
}

// Accessor adapts the client for the context builder and MCP tools.
func (c *Client) Accessor() contextapi.Accessor {
	return clientAccessor{c: c}
}

type clientAccessor struct {
	c *Client
}

func (a clientAccessor) Open(ctx context.Context, talker string) error {
	v, err := a.c.Open(ctx, talker, nil)
	if err != nil {
		return err
	}
	if v.Error != "" {
		return errors.New(v.Error)
	}
	return nil
}

func (a clientAccessor) Messages(talker string, window *store.TimeRange) ([]store.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), accessorTimeout)
	defer cancel()
	reply, err := a.c.Messages(ctx, talker, window)
	if err != nil {
		return nil, err
	}
	return reply.Messages, nil
}

func (a clientAccessor) RequestRange(ctx context.Context, talker string, r store.TimeRange) ([]store.Message, error) {
	reply, err := a.c.RequestRange(ctx, talker, r)
	if err != nil {
		return nil, err
	}
	return reply.Messages, nil
}
