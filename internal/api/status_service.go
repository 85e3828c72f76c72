package api

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/chatlog/internal/bus"
	"github.com/matheus3301/chatlog/internal/contacts"
	"github.com/matheus3301/chatlog/internal/persist"
	"github.com/matheus3301/chatlog/internal/status"
	"github.com/matheus3301/chatlog/internal/store"
	"github.com/matheus3301/chatlog/internal/timeline"
	"go.uber.org/zap"
)

const conversationScanLimit = 10000

// StatusService implements the StatusService gRPC service. It tracks the last
// history fetch state of every talker from the bus.
type StatusService struct {
	profileName string
	startedAt   time.Time
	db          *store.DB
	writer      *persist.Writer
	mgr         *timeline.Manager
	dir         *contacts.Directory
	bus         *bus.Bus
	logger      *zap.Logger

	mu      sync.Mutex
	history map[string]status.State
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewStatusService creates a status service. db and writer are nil when the
// daemon runs without persistent storage.
func NewStatusService(profileName string, db *store.DB, writer *persist.Writer, mgr *timeline.Manager, dir *contacts.Directory, b *bus.Bus, logger *zap.Logger) *StatusService {
	return &StatusService{
		profileName: profileName,
		startedAt:   time.Now(),
		db:          db,
		writer:      writer,
		mgr:         mgr,
		dir:         dir,
		bus:         b,
		logger:      logger,
		history:     make(map[string]status.State),
	}
}

// Start follows history state changes.
func (s *StatusService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	sub := s.bus.Subscribe("history.", 64)

	go func() {
		defer close(s.done)
		defer sub.Close()
		for {
			select {
			case evt := <-sub.Events():
				if change, ok := evt.Payload.(status.StatusChange); ok {
					s.mu.Lock()
					s.history[change.Talker] = change.To
					s.mu.Unlock()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops following state changes.
func (s *StatusService) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *StatusService) Status(_ context.Context, _ *StatusRequest) (*StatusReply, error) {
	reply := &StatusReply{
		Profile:            s.profileName,
		StartedAt:          s.startedAt,
		Uptime:             time.Since(s.startedAt).Truncate(time.Second).String(),
		Storage:            "memory",
		Contacts:           s.dir.Count(),
		ContactsRefreshing: s.dir.Refreshing(),
		Open:               []OpenTimeline{},
	}
	if s.db != nil {
		reply.Storage = "sqlite"
		convs, err := s.db.ListConversations(conversationScanLimit, 0)
		if err != nil {
			return nil, err
		}
		reply.Conversations = len(convs)
	}
	if s.writer != nil {
		reply.WriterMode = string(s.writer.Mode())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, talker := range s.mgr.OpenTalkers() {
		tl, err := s.mgr.Snapshot(talker)
		if err != nil {
			continue
		}
		v := ViewOf(tl)
		reply.Open = append(reply.Open, OpenTimeline{
			Talker:       talker,
			Version:      v.Version,
			Counts:       v.Counts,
			HasMoreOlder: v.HasMoreOlder,
			Loading:      v.LoadingHistory,
			HistoryState: string(s.history[talker]),
			Error:        v.Error,
		})
	}
	return reply, nil
}
