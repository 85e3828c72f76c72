package api

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/matheus3301/chatlog/internal/contacts"
	"github.com/matheus3301/chatlog/internal/store"
	"github.com/matheus3301/chatlog/internal/timeline"
	"go.uber.org/zap"
)

const (
	defaultConversationLimit = 100
	snippetWidth             = 32
)

// ConversationService implements the ConversationService gRPC service. With
// persistent storage it reads the conversation list and message cache;
// without, it falls back to the conversations open in memory.
type ConversationService struct {
	db     *store.DB
	mgr    *timeline.Manager
	dir    *contacts.Directory
	logger *zap.Logger
}

// NewConversationService creates a conversation service. db may be nil.
func NewConversationService(db *store.DB, mgr *timeline.Manager, dir *contacts.Directory, logger *zap.Logger) *ConversationService {
	return &ConversationService{db: db, mgr: mgr, dir: dir, logger: logger}
}

func (s *ConversationService) List(_ context.Context, req *ListRequest) (*ConversationsReply, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultConversationLimit
	}
	open := make(map[string]bool)
	for _, t := range s.mgr.OpenTalkers() {
		open[t] = true
	}

	reply := &ConversationsReply{Conversations: []Conversation{}}
	if s.db == nil {
		for t := range open {
			reply.Conversations = append(reply.Conversations, s.fromMemory(t))
		}
		sort.Slice(reply.Conversations, func(i, j int) bool {
			return reply.Conversations[i].LastMessageAt.After(reply.Conversations[j].LastMessageAt)
		})
		reply.Conversations = page(reply.Conversations, req.Offset, limit)
		return reply, nil
	}

	convs, err := s.db.ListConversations(limit, req.Offset)
	if err != nil {
		return nil, err
	}
	for _, c := range convs {
		name := c.Name
		if name == c.Talker {
			name = s.dir.DisplayName(c.Talker)
		}
		reply.Conversations = append(reply.Conversations, Conversation{
			Talker:          c.Talker,
			Name:            name,
			IsChatRoom:      c.IsChatRoom,
			LastMessageAt:   time.UnixMilli(c.LastMessageAt),
			LastMessageText: c.LastMessageText,
			Open:            open[c.Talker],
		})
	}
	return reply, nil
}

func (s *ConversationService) fromMemory(talker string) Conversation {
	c := Conversation{
		Talker:     talker,
		Name:       s.dir.DisplayName(talker),
		IsChatRoom: strings.HasSuffix(talker, "@chatroom"),
		Open:       true,
	}
	msgs, err := s.mgr.Messages(talker, nil)
	if err == nil && len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		c.LastMessageAt = last.Time
		c.LastMessageText = last.Content
	}
	return c
}

// Search matches cached message content. Without storage only the open
// conversations are searched.
func (s *ConversationService) Search(ctx context.Context, req *MessageSearchRequest) (*MessageSearchReply, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", errBadRequest)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if s.db != nil {
		results, err := s.db.SearchMessages(ctx, req.Query, req.Talker, limit)
		if err != nil {
			return nil, err
		}
		if results == nil {
			results = []store.SearchResult{}
		}
		return &MessageSearchReply{Results: results}, nil
	}

	talkers := s.mgr.OpenTalkers()
	if req.Talker != "" {
		talkers = []string{req.Talker}
	}
	q := strings.ToLower(req.Query)
	results := []store.SearchResult{}
	for _, t := range talkers {
		msgs, err := s.mgr.Messages(t, nil)
		if err != nil {
			continue
		}
		for _, m := range msgs {
			if strings.Contains(strings.ToLower(m.Content), q) {
				results = append(results, store.SearchResult{Message: m, Snippet: store.Snippet(m.Content, req.Query, snippetWidth)})
			}
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Message.Time.After(results[j].Message.Time) })
	if len(results) > limit {
		results = results[:limit]
	}
	return &MessageSearchReply{Results: results}, nil
}

func page(list []Conversation, offset, limit int) []Conversation {
	if offset >= len(list) {
		return []Conversation{}
	}
	return list[offset:min(offset+limit, len(list))]
}
