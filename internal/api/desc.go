package api

import (
	"context"
	"errors"
	"strings"

	"github.com/matheus3301/chatlog/internal/chatlog"
	"github.com/matheus3301/chatlog/internal/contacts"
	"github.com/matheus3301/chatlog/internal/timeline"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Fully qualified service names.
const (
	TimelineServiceName = "chatlog.v1.TimelineService"
	ContactServiceName  = "chatlog.v1.ContactService"
	StatusServiceName   = "chatlog.v1.StatusService"

	ConversationServiceName = "chatlog.v1.ConversationService"
)

// TimelineServer is implemented by TimelineService.
type TimelineServer interface {
	Open(context.Context, *OpenRequest) (*TimelineView, error)
	LoadMore(context.Context, *TalkerRequest) (*TimelineView, error)
	ResolveSentinel(context.Context, *ResolveRequest) (*TimelineView, error)
	Snapshot(context.Context, *TalkerRequest) (*TimelineView, error)
	RequestRange(context.Context, *RangeRequest) (*MessagesReply, error)
	Messages(context.Context, *MessagesRequest) (*MessagesReply, error)
	Close(context.Context, *TalkerRequest) (*TalkerRequest, error)
	Watch(*WatchRequest, Sender[EventEnvelope]) error
}

// ContactServer is implemented by ContactService.
type ContactServer interface {
	Refresh(*RefreshRequest, Sender[ProgressUpdate]) error
	Search(context.Context, *SearchRequest) (*SearchReply, error)
}

// StatusServer is implemented by StatusService.
type StatusServer interface {
	Status(context.Context, *StatusRequest) (*StatusReply, error)
}

// ConversationServer is implemented by ConversationService.
type ConversationServer interface {
	List(context.Context, *ListRequest) (*ConversationsReply, error)
	Search(context.Context, *MessageSearchRequest) (*MessageSearchReply, error)
}

// TimelineServiceDesc describes the timeline service for grpc.Server.RegisterService.
var TimelineServiceDesc = grpc.ServiceDesc{
	ServiceName: TimelineServiceName,
	HandlerType: (*TimelineServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(TimelineServiceName, "Open", TimelineServer.Open),
		unary(TimelineServiceName, "LoadMore", TimelineServer.LoadMore),
		unary(TimelineServiceName, "ResolveSentinel", TimelineServer.ResolveSentinel),
		unary(TimelineServiceName, "Snapshot", TimelineServer.Snapshot),
		unary(TimelineServiceName, "RequestRange", TimelineServer.RequestRange),
		unary(TimelineServiceName, "Messages", TimelineServer.Messages),
		unary(TimelineServiceName, "Close", TimelineServer.Close),
	},
	Streams: []grpc.StreamDesc{
		serverStream("Watch", TimelineServer.Watch),
	},
}

// ContactServiceDesc describes the contact service.
var ContactServiceDesc = grpc.ServiceDesc{
	ServiceName: ContactServiceName,
	HandlerType: (*ContactServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ContactServiceName, "Search", ContactServer.Search),
	},
	Streams: []grpc.StreamDesc{
		serverStream("Refresh", ContactServer.Refresh),
	},
}

// StatusServiceDesc describes the status service.
var StatusServiceDesc = grpc.ServiceDesc{
	ServiceName: StatusServiceName,
	HandlerType: (*StatusServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(StatusServiceName, "Status", StatusServer.Status),
	},
}

// ConversationServiceDesc describes the conversation service.
var ConversationServiceDesc = grpc.ServiceDesc{
	ServiceName: ConversationServiceName,
	HandlerType: (*ConversationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ConversationServiceName, "List", ConversationServer.List),
		unary(ConversationServiceName, "Search", ConversationServer.Search),
	},
}

// Services groups the implementations served on the daemon socket.
type Services struct {
	Timeline     TimelineServer
	Contacts     ContactServer
	Conversation ConversationServer
	Status       StatusServer
}

// Register attaches every service to srv.
func Register(srv grpc.ServiceRegistrar, s Services) {
	srv.RegisterService(&TimelineServiceDesc, s.Timeline)
	srv.RegisterService(&ContactServiceDesc, s.Contacts)
	srv.RegisterService(&ConversationServiceDesc, s.Conversation)
	srv.RegisterService(&StatusServiceDesc, s.Status)
}

// Sender is the typed send side of a server stream.
type Sender[T any] interface {
	Context() context.Context
	Send(*T) error
}

type structSender[T any] struct {
	grpc.ServerStream
}

func (s structSender[T]) Send(v *T) error {
	msg, err := encode(v)
	if err != nil {
		return grpcstatus.Error(codes.Internal, err.Error())
	}
	return s.ServerStream.SendMsg(msg)
}

func unary[S, Req, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				r := new(Req)
				if err := decode(req.(*structpb.Struct), r); err != nil {
					return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
				}
				resp, err := call(srv.(S), ctx, r)
				if err != nil {
					return nil, toStatus(err)
				}
				out, err := encode(resp)
				if err != nil {
					return nil, grpcstatus.Error(codes.Internal, err.Error())
				}
				return out, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: full}, handler)
		},
	}
}

func serverStream[S, Req, Resp any](method string, call func(S, *Req, Sender[Resp]) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    method,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			r := new(Req)
			if err := decode(in, r); err != nil {
				return grpcstatus.Error(codes.InvalidArgument, err.Error())
			}
			if err := call(srv.(S), r, structSender[Resp]{stream}); err != nil {
				return toStatus(err)
			}
			return nil
		},
	}
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.FromContextError(err).Err()
	case errors.Is(err, timeline.ErrNoConversation), errors.Is(err, timeline.ErrUnknownSentinel):
		code = codes.NotFound
	case errors.Is(err, timeline.ErrFetchInFlight), errors.Is(err, contacts.ErrRefreshInFlight):
		code = codes.Aborted
	case errors.Is(err, errBadRequest):
		code = codes.InvalidArgument
	case chatlog.IsTransient(err):
		code = codes.Unavailable
	}
	return grpcstatus.Error(code, err.Error())
}

// fromStatus restores the domain sentinel behind a gRPC error so callers can
// keep using errors.Is.
func fromStatus(err error) error {
	st, ok := grpcstatus.FromError(err)
	if !ok || err == nil {
		return err
	}
	msg := st.Message()
	var sentinel error
	switch st.Code() {
	case codes.NotFound:
		sentinel = timeline.ErrNoConversation
		if strings.Contains(msg, timeline.ErrUnknownSentinel.Error()) {
			sentinel = timeline.ErrUnknownSentinel
		}
	case codes.Aborted:
		sentinel = timeline.ErrFetchInFlight
		if strings.Contains(msg, contacts.ErrRefreshInFlight.Error()) {
			sentinel = contacts.ErrRefreshInFlight
		}
	case codes.Unavailable:
		return &chatlog.TransientFetchError{Op: "daemon", Err: err}
	default:
		return err
	}
	return &remoteError{sentinel: sentinel, msg: msg}
}

type remoteError struct {
	sentinel error
	msg      string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

var errBadRequest = errors.New("bad request")
