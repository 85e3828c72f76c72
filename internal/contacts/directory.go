// Package contacts keeps the contact directory: a paged download from the
// remote API, a bulk replace of the contacts collection and an in-memory
// projection that readers use without touching the database.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatlog/internal/bus"
	"github.com/matheus3301/chatlog/internal/chatlog"
	"github.com/matheus3301/chatlog/internal/persist"
	"github.com/matheus3301/chatlog/internal/store"
	"go.uber.org/zap"
)

const (
	DefaultPageSize  = 500
	DefaultPageDelay = 100 * time.Millisecond

	apiWeight = 80.0
)

// ErrRefreshInFlight is returned when Refresh is called while another refresh runs.
var ErrRefreshInFlight = errors.New("contact refresh already running")

// Fetcher pages through the remote contact list.
type Fetcher interface {
	Contacts(ctx context.Context, limit, offset int) ([]chatlog.Contact, error)
}

// Options tunes the download.
type Options struct {
	PageSize  int
	PageDelay time.Duration
}

// ChatRoom is the record kept in the chatrooms collection.
type ChatRoom struct {
	ChatRoomID  string `json:"chatroomId"`
	Name        string `json:"name"`
	MemberCount int    `json:"memberCount"`
	Reserved1   int    `json:"reserved1,omitempty"`
}

type projection struct {
	list []chatlog.Contact
	byID map[string]int
}

func newProjection(list []chatlog.Contact) *projection {
	sort.SliceStable(list, func(i, j int) bool {
		return strings.ToLower(list[i].DisplayName()) < strings.ToLower(list[j].DisplayName())
	})
	p := &projection{list: list, byID: make(map[string]int, len(list))}
	for i, c := range list {
		p.byID[c.Wxid] = i
	}
	return p
}

// Directory owns the contact projection.
type Directory struct {
	fetcher Fetcher
	writer  persist.BulkWriter
	db      *store.DB
	bus     *bus.Bus
	opts    Options
	logger  *zap.Logger

	current    atomic.Pointer[projection]
	refreshing atomic.Bool
	now        func() time.Time
}

// New creates an empty directory. db may be nil when storage is unavailable;
// Load is then a no-op and Refresh keeps results in memory only.
func New(fetcher Fetcher, writer persist.BulkWriter, db *store.DB, b *bus.Bus, opts Options, logger *zap.Logger) *Directory {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PageDelay < 0 {
		opts.PageDelay = 0
	}
	d := &Directory{
		fetcher: fetcher,
		writer:  writer,
		db:      db,
		bus:     b,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
	d.current.Store(newProjection(nil))
	return d
}

// Load fills the projection from the contacts collection.
func (d *Directory) Load(ctx context.Context) error {
	if d.db == nil {
		return nil
	}
	h, err := d.db.OpenSchema(ctx, store.SessionSchema)
	if err != nil {
		return fmt.Errorf("open session schema: %w", err)
	}
	list, err := store.GetAllAs[chatlog.Contact](ctx, h, store.ContactsCollection)
	if err != nil {
		return fmt.Errorf("load contacts: %w", err)
	}
	d.current.Store(newProjection(list))
	d.logger.Info("contacts loaded from cache", zap.Int("count", len(list)))
	d.publish(bus.KindContactsLoaded, len(list))
	return nil
}

// Refresh downloads the full directory and replaces the stored copy. It
// returns the number of contacts now in the projection. When the download
// yields nothing the previous directory is kept.
func (d *Directory) Refresh(ctx context.Context, onProgress func(Progress)) (int, error) {
	if !d.refreshing.CompareAndSwap(false, true) {
		return 0, ErrRefreshInFlight
	}
	defer d.refreshing.Store(false)

	report := func(p Progress) {
		if onProgress != nil {
			onProgress(p)
		}
		d.publish(bus.KindContactsState, p)
	}

	t := newTracker(d.Count(), d.opts.PageSize, d.now)
	var fetched []chatlog.Contact
	for offset, batch := 0, 1; ; batch++ {
		page, err := d.fetcher.Contacts(ctx, d.opts.PageSize, offset)
		if err != nil {
			return 0, fmt.Errorf("fetch contacts at offset %d: %w", offset, err)
		}
		fetched = append(fetched, page...)
		offset += len(page)
		full := len(page) == d.opts.PageSize
		report(t.api(len(fetched), batch, full))
		if !full {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(d.opts.PageDelay):
		}
	}

	fetched = d.dropKeyless(fetched)
	if len(fetched) == 0 {
		d.logger.Warn("contact download returned nothing, keeping previous directory")
		report(t.done(d.Count()))
		return d.Count(), nil
	}

	fetched = dedupe(fetched)
	if err := d.persist(ctx, fetched, func(chunk, total int) { report(t.db(len(fetched), chunk, total)) }); err != nil {
		return 0, err
	}

	d.current.Store(newProjection(fetched))
	report(t.done(len(fetched)))
	d.logger.Info("contacts refreshed", zap.Int("count", len(fetched)), zap.Duration("elapsed", t.elapsed()))
	d.publish(bus.KindContactsLoaded, len(fetched))
	return len(fetched), nil
}

func (d *Directory) persist(ctx context.Context, list []chatlog.Contact, progress persist.ProgressFunc) error {
	if d.writer == nil {
		return nil
	}
	if err := d.writer.Initialize(ctx, store.SessionSchema); err != nil {
		return fmt.Errorf("initialize session schema: %w", err)
	}
	records, err := store.Records(list)
	if err != nil {
		return err
	}
	if err := d.writer.ClearAndReplace(ctx, store.ContactsCollection, records, progress); err != nil {
		return fmt.Errorf("replace contacts: %w", err)
	}

	var rooms []ChatRoom
	for _, c := range list {
		if c.Type == chatlog.ContactChatRoom {
			rooms = append(rooms, ChatRoom{ChatRoomID: c.Wxid, Name: c.DisplayName(), Reserved1: c.Reserved1})
		}
	}
	roomRecords, err := store.Records(rooms)
	if err != nil {
		return err
	}
	if err := d.writer.ClearAndReplace(ctx, store.ChatRoomsCollection, roomRecords, nil); err != nil {
		return fmt.Errorf("replace chatrooms: %w", err)
	}
	return nil
}

// Refreshing reports whether a refresh is running.
func (d *Directory) Refreshing() bool {
	return d.refreshing.Load()
}

// Lookup returns the contact with the given id.
func (d *Directory) Lookup(wxid string) (chatlog.Contact, bool) {
	p := d.current.Load()
	i, ok := p.byID[wxid]
	if !ok {
		return chatlog.Contact{}, false
	}
	return p.list[i], true
}

// DisplayName resolves a talker to its display name, falling back to the id.
func (d *Directory) DisplayName(wxid string) string {
	if c, ok := d.Lookup(wxid); ok {
		return c.DisplayName()
	}
	return wxid
}

// Search matches query case-insensitively against id, nickname, remark and
// alias. limit <= 0 returns every match.
func (d *Directory) Search(query string, limit int) []chatlog.Contact {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []chatlog.Contact
	for _, c := range d.current.Load().list {
		if q != "" && !matches(c, q) {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func matches(c chatlog.Contact, q string) bool {
	for _, f := range []string{c.Wxid, c.Nickname, c.Remark, c.Alias} {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

// All returns a copy of the directory, sorted by display name.
func (d *Directory) All() []chatlog.Contact {
	list := d.current.Load().list
	out := make([]chatlog.Contact, len(list))
	copy(out, list)
	return out
}

// Count returns the directory size.
func (d *Directory) Count() int {
	return len(d.current.Load().list)
}

func (d *Directory) publish(kind string, payload any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(bus.Event{Kind: kind, Timestamp: d.now(), Payload: payload})
}

// dedupe keeps the last record per id, in first-seen order.
// dropKeyless removes contacts without a wxid; the collection cannot store them.
func (d *Directory) dropKeyless(list []chatlog.Contact) []chatlog.Contact {
	out := make([]chatlog.Contact, 0, len(list))
	for _, c := range list {
		if strings.TrimSpace(c.Wxid) == "" {
			d.logger.Warn("skipping contact without wxid",
				zap.String("nickname", c.Nickname), zap.Int("type", c.Type))
			continue
		}
		out = append(out, c)
	}
	return out
}

func dedupe(list []chatlog.Contact) []chatlog.Contact {
	idx := make(map[string]int, len(list))
	out := make([]chatlog.Contact, 0, len(list))
	for _, c := range list {
		if i, ok := idx[c.Wxid]; ok {
			out[i] = c
			continue
		}
		idx[c.Wxid] = len(out)
		out = append(out, c)
	}
	return out
}

func ceilDiv(n, d int) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(float64(n) / float64(d)))
}
