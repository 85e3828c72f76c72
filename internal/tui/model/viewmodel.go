package model

import (
	"context"
	"errors"
	"sync"

	"github.com/matheus3301/chatlog/internal/api"
	"github.com/matheus3301/chatlog/internal/store"
)

const (
	conversationLimit = 200
	searchLimit       = 50
)

// Client is the part of the daemon client the TUI needs.
type Client interface {
	Status(ctx context.Context) (*api.StatusReply, error)
	Conversations(ctx context.Context, limit, offset int) (*api.ConversationsReply, error)
	Open(ctx context.Context, talker string, r *store.TimeRange) (*api.TimelineView, error)
	LoadMore(ctx context.Context, talker string) (*api.TimelineView, error)
	ResolveSentinel(ctx context.Context, talker, id string) (*api.TimelineView, error)
	SearchMessages(ctx context.Context, query, talker string, limit int) (*api.MessageSearchReply, error)
	RefreshContacts(ctx context.Context, fn func(*api.ProgressUpdate) error) error
	Watch(ctx context.Context, talker string, fn func(*api.EventEnvelope) error) error
}

// ErrNoActive is returned by timeline actions when no conversation is open.
var ErrNoActive = errors.New("no conversation open")

// ViewModel caches daemon state for the views and signals UI refreshes.
type ViewModel struct {
	mu sync.RWMutex

	client        Client
	status        *api.StatusReply
	conversations []api.Conversation
	active        string
	timeline      *api.TimelineView

	refreshCh chan struct{}
}

// NewViewModel creates a new view model connected to the daemon client.
func NewViewModel(c Client) *ViewModel {
	return &ViewModel{
		client:    c,
		refreshCh: make(chan struct{}, 1),
	}
}

// RefreshCh returns the channel that signals UI refresh.
func (vm *ViewModel) RefreshCh() <-chan struct{} {
	return vm.refreshCh
}

func (vm *ViewModel) signalRefresh() {
	select {
	case vm.refreshCh <- struct{}{}:
	default:
	}
}

// LoadStatus fetches the daemon status.
func (vm *ViewModel) LoadStatus(ctx context.Context) error {
	resp, err := vm.client.Status(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.status = resp
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// LoadConversations fetches the conversation list.
func (vm *ViewModel) LoadConversations(ctx context.Context) error {
	resp, err := vm.client.Conversations(ctx, conversationLimit, 0)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.conversations = resp.Conversations
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// Open makes talker the active conversation. A fetch failure still leaves
// the returned snapshot active and is reported as the error.
func (vm *ViewModel) Open(ctx context.Context, talker string) error {
	view, err := vm.client.Open(ctx, talker, nil)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.active = talker
	vm.timeline = view
	vm.mu.Unlock()
	vm.signalRefresh()
	return viewErr(view)
}

// LoadMore fetches the next older page of the active conversation.
func (vm *ViewModel) LoadMore(ctx context.Context) error {
	talker := vm.Active()
	if talker == "" {
		return ErrNoActive
	}
	view, err := vm.client.LoadMore(ctx, talker)
	if err != nil {
		return err
	}
	vm.setTimeline(view)
	return viewErr(view)
}

// Resolve fetches the range behind the sentinel id of the active conversation.
func (vm *ViewModel) Resolve(ctx context.Context, id string) error {
	talker := vm.Active()
	if talker == "" {
		return ErrNoActive
	}
	view, err := vm.client.ResolveSentinel(ctx, talker, id)
	if err != nil {
		return err
	}
	vm.setTimeline(view)
	return viewErr(view)
}

// Search matches cached message content across all conversations.
func (vm *ViewModel) Search(ctx context.Context, query string) ([]store.SearchResult, error) {
	resp, err := vm.client.SearchMessages(ctx, query, "", searchLimit)
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// RefreshContacts downloads the contact directory, reporting progress to fn.
func (vm *ViewModel) RefreshContacts(ctx context.Context, fn func(api.ProgressUpdate)) error {
	err := vm.client.RefreshContacts(ctx, func(p *api.ProgressUpdate) error {
		fn(*p)
		return nil
	})
	if err != nil {
		return err
	}
	return vm.LoadStatus(ctx)
}

// Watch applies timeline events until ctx ends. onChange runs after each
// event that changed the active timeline.
func (vm *ViewModel) Watch(ctx context.Context, onChange func()) error {
	return vm.client.Watch(ctx, "", func(env *api.EventEnvelope) error {
		if vm.Apply(env) {
			onChange()
		}
		return nil
	})
}

// Apply folds one event into the active timeline. Stale versions and other
// conversations are ignored. It reports whether anything changed.
func (vm *ViewModel) Apply(env *api.EventEnvelope) bool {
	if env == nil || env.Timeline == nil {
		return false
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if env.Talker != vm.active {
		return false
	}
	if vm.timeline != nil && env.Timeline.Version <= vm.timeline.Version {
		return false
	}
	vm.timeline = env.Timeline
	vm.signalRefresh()
	return true
}

func (vm *ViewModel) setTimeline(view *api.TimelineView) {
	vm.mu.Lock()
	if view.Talker == vm.active {
		vm.timeline = view
	}
	vm.mu.Unlock()
	vm.signalRefresh()
}

// Close forgets the active conversation.
func (vm *ViewModel) Close() {
	vm.mu.Lock()
	vm.active = ""
	vm.timeline = nil
	vm.mu.Unlock()
}

// Active returns the talker of the open conversation.
func (vm *ViewModel) Active() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.active
}

// Timeline returns the snapshot of the open conversation.
func (vm *ViewModel) Timeline() *api.TimelineView {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.timeline
}

// Conversations returns a snapshot of the conversation list.
func (vm *ViewModel) Conversations() []api.Conversation {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.conversations
}

// Status returns the last daemon status.
func (vm *ViewModel) Status() *api.StatusReply {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.status
}

// DisplayName returns the known name of talker, or talker itself.
func (vm *ViewModel) DisplayName(talker string) string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	for _, c := range vm.conversations {
		if c.Talker == talker && c.Name != "" {
			return c.Name
		}
	}
	return talker
}

func viewErr(view *api.TimelineView) error {
	if view.Error != "" {
		return errors.New(view.Error)
	}
	return nil
}
