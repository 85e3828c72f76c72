package api

import (
	"context"

	"github.com/matheus3301/chatlog/internal/contacts"
	"go.uber.org/zap"
)

const defaultSearchLimit = 50

// ContactService implements the ContactService gRPC service.
type ContactService struct {
	dir    *contacts.Directory
	logger *zap.Logger
}

// NewContactService creates a new contact service.
func NewContactService(dir *contacts.Directory, logger *zap.Logger) *ContactService {
	return &ContactService{dir: dir, logger: logger}
}

// Refresh downloads the directory and streams progress. The refresh runs on
// the stream's context, so a client that disconnects cancels it.
func (s *ContactService) Refresh(_ *RefreshRequest, stream Sender[ProgressUpdate]) error {
	var sendErr error
	n, err := s.dir.Refresh(stream.Context(), func(p contacts.Progress) {
		if sendErr != nil {
			return
		}
		sendErr = stream.Send(&p)
	})
	if err != nil {
		return err
	}
	s.logger.Info("contact directory refreshed", zap.Int("contacts", n))
	return sendErr
}

func (s *ContactService) Search(_ context.Context, req *SearchRequest) (*SearchReply, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	found := s.dir.Search(req.Query, limit)
	return &SearchReply{Total: s.dir.Count(), Contacts: found}, nil
}
