package api

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/matheus3301/chatlog/internal/bus"
	"github.com/matheus3301/chatlog/internal/timeline"
	"go.uber.org/zap"
)

// TimelineService implements the TimelineService gRPC service.
type TimelineService struct {
	mgr         *timeline.Manager
	profileName string
	logger      *zap.Logger
}

// NewTimelineService creates a new timeline service.
func NewTimelineService(mgr *timeline.Manager, profileName string, logger *zap.Logger) *TimelineService {
	return &TimelineService{mgr: mgr, profileName: profileName, logger: logger}
}

func (s *TimelineService) Open(ctx context.Context, req *OpenRequest) (*TimelineView, error) {
	if req.Talker == "" {
		return nil, fmt.Errorf("%w: talker is required", errBadRequest)
	}
	var (
		tl  timeline.Timeline
		err error
	)
	if req.Range != nil {
		tl, err = s.mgr.OpenRange(ctx, req.Talker, *req.Range)
	} else {
		tl, err = s.mgr.Open(ctx, req.Talker)
	}
	return s.view(tl, err)
}

func (s *TimelineService) LoadMore(ctx context.Context, req *TalkerRequest) (*TimelineView, error) {
	return s.view(s.mgr.LoadMore(ctx, req.Talker))
}

func (s *TimelineService) ResolveSentinel(ctx context.Context, req *ResolveRequest) (*TimelineView, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("%w: sentinel id is required", errBadRequest)
	}
	return s.view(s.mgr.ResolveSentinel(ctx, req.Talker, req.ID))
}

func (s *TimelineService) Snapshot(_ context.Context, req *TalkerRequest) (*TimelineView, error) {
	return s.view(s.mgr.Snapshot(req.Talker))
}

func (s *TimelineService) RequestRange(ctx context.Context, req *RangeRequest) (*MessagesReply, error) {
	if req.Range.End.Before(req.Range.Start) {
		return nil, fmt.Errorf("%w: range end is before its start", errBadRequest)
	}
	msgs, err := s.mgr.RequestRange(ctx, req.Talker, req.Range)
	if err != nil {
		return nil, err
	}
	return &MessagesReply{Talker: req.Talker, Count: len(msgs), Messages: msgs}, nil
}

func (s *TimelineService) Messages(_ context.Context, req *MessagesRequest) (*MessagesReply, error) {
	msgs, err := s.mgr.Messages(req.Talker, req.Range)
	if err != nil {
		return nil, err
	}
	return &MessagesReply{Talker: req.Talker, Count: len(msgs), Messages: msgs}, nil
}

func (s *TimelineService) Close(_ context.Context, req *TalkerRequest) (*TalkerRequest, error) {
	s.mgr.Close(req.Talker)
	return req, nil
}

// Watch streams timeline events until the client goes away.
func (s *TimelineService) Watch(req *WatchRequest, stream Sender[EventEnvelope]) error {
	sub := s.mgr.Subscribe(256)
	defer sub.Close()

	ctx := stream.Context()
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return nil
			}
			env, ok := s.envelope(evt)
			if !ok || (req.Talker != "" && env.Talker != req.Talker) {
				continue
			}
			if err := stream.Send(env); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *TimelineService) envelope(evt bus.Event) (*EventEnvelope, bool) {
	env := &EventEnvelope{
		EventID:          uuid.New().String(),
		Profile:          s.profileName,
		Kind:             evt.Kind,
		OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
	}
	switch p := evt.Payload.(type) {
	case timeline.Timeline:
		env.Talker = p.Talker
		env.Timeline = ViewOf(p)
	case timeline.Merge:
		env.Talker = p.Talker
		env.Added = len(p.Messages)
	case timeline.Opened:
		env.Talker = p.Talker
		env.FromCache = p.FromCache
	default:
		s.logger.Debug("unhandled timeline event", zap.String("kind", evt.Kind))
		return nil, false
	}
	return env, true
}

// view converts a manager result. A failed fetch still yields a snapshot
// carrying the error, which is returned to the client in the view.
func (s *TimelineService) view(tl timeline.Timeline, err error) (*TimelineView, error) {
	if err != nil && tl.Talker == "" {
		return nil, err
	}
	v := ViewOf(tl)
	if err != nil {
		s.logger.Warn("timeline fetch failed", zap.String("talker", tl.Talker), zap.Error(err))
		v.Error = err.Error()
	}
	return v, nil
}
