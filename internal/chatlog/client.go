// Package chatlog is the HTTP client for the remote chat-log source.
package chatlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatlog/internal/store"
)

// CST is the fixed zone the source expects time ranges in.
var CST = time.FixedZone("CST", 8*60*60)

const timeLayout = "2006-01-02 15:04:05"

// FormatRange renders r as "start~end" in CST.
func FormatRange(r store.TimeRange) string {
	return r.Start.In(CST).Format(timeLayout) + "~" + r.End.In(CST).Format(timeLayout)
}

// ParseRange is the inverse of FormatRange.
func ParseRange(s string) (store.TimeRange, error) {
	start, end, ok := strings.Cut(s, "~")
	if !ok {
		return store.TimeRange{}, fmt.Errorf("time range %q: missing ~", s)
	}
	from, err := time.ParseInLocation(timeLayout, strings.TrimSpace(start), CST)
	if err != nil {
		return store.TimeRange{}, fmt.Errorf("time range start: %w", err)
	}
	to, err := time.ParseInLocation(timeLayout, strings.TrimSpace(end), CST)
	if err != nil {
		return store.TimeRange{}, fmt.Errorf("time range end: %w", err)
	}
	return store.TimeRange{Start: from, End: to}, nil
}

// Client talks to a chat-log source over HTTP.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

// New creates a Client targeting baseURL. A zero timeout means 15s per call.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

// FetchRange returns up to limit messages of talker inside r, oldest first.
// fromBottom asks the source to page from the newest end of the range.
func (c *Client) FetchRange(ctx context.Context, talker string, r store.TimeRange, limit, offset int, fromBottom bool) ([]store.Message, error) {
	q := url.Values{}
	q.Set("talker", talker)
	q.Set("time", FormatRange(r))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	bottom := "0"
	if fromBottom {
		bottom = "1"
	}
	q.Set("bottom", bottom)
	q.Set("format", "json")

	var msgs []store.Message
	if err := c.get(ctx, "fetch chatlog", "/api/v1/chatlog", q, &msgs); err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].Talker == "" {
			msgs[i].Talker = talker
		}
	}
	return msgs, nil
}

// Contacts returns one page of the contact directory.
func (c *Client) Contacts(ctx context.Context, limit, offset int) ([]Contact, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("format", "json")

	var raw []apiContact
	if err := c.get(ctx, "fetch contacts", "/api/v1/contact", q, &raw); err != nil {
		return nil, err
	}
	out := make([]Contact, len(raw))
	for i, a := range raw {
		out[i] = a.contact()
	}
	return out, nil
}

// Sessions returns the most recent conversations.
func (c *Client) Sessions(ctx context.Context, limit int) ([]Session, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("format", "json")

	var raw []apiSession
	if err := c.get(ctx, "fetch sessions", "/api/v1/session", q, &raw); err != nil {
		return nil, err
	}
	out := make([]Session, len(raw))
	for i, a := range raw {
		out[i] = a.session()
	}
	return out, nil
}

// get fetches path and decodes a list body, either a bare array or an
// {"items": [...]} envelope, into out.
func (c *Client) get(ctx context.Context, op, path string, q url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return err
		}
		return &TransientFetchError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientFetchError{Op: op, Err: fmt.Errorf("reading body: %w", err)}
	}
	if resp.StatusCode >= 500 {
		return &TransientFetchError{Op: op, Err: &StatusError{Op: op, Status: resp.StatusCode, Body: truncate(body)}}
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Op: op, Status: resp.StatusCode, Body: truncate(body)}
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil
	}
	if body[0] == '{' {
		var env struct {
			Items json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return fmt.Errorf("%s: decoding response: %w", op, err)
		}
		if len(env.Items) == 0 || bytes.Equal(env.Items, []byte("null")) {
			return nil
		}
		body = env.Items
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}

func truncate(b []byte) string {
	const maxBody = 200
	s := strings.TrimSpace(string(b))
	if len(s) > maxBody {
		return s[:maxBody]
	}
	return s
}
