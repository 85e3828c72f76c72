package contextapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/matheus3301/chatlog/internal/chatlog"
	"github.com/matheus3301/chatlog/internal/store"
	"github.com/matheus3301/chatlog/internal/timeline"
	"go.uber.org/zap"
)

const maxRequestBodySize = 1 << 16

// NewHandler returns the context HTTP API. An empty token disables auth.
func NewHandler(acc Accessor, token string, logger *zap.Logger) http.Handler {
	h := &handler{acc: acc, logger: logger}
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Group(func(r chi.Router) {
		if token != "" {
			r.Use(BearerAuth(token))
		}
		r.Get("/talkers/{talker}/messages", h.messages)
		r.Post("/talkers/{talker}/ranges", h.requestRange)
		r.Get("/talkers/{talker}/context", h.context)
	})
	return r
}

// BearerAuth rejects requests without the expected bearer token.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type handler struct {
	acc    Accessor
	logger *zap.Logger
}

type messagesResponse struct {
	Talker   string          `json:"talker"`
	Count    int             `json:"count"`
	Messages []store.Message `json:"messages"`
}

func (h *handler) messages(w http.ResponseWriter, r *http.Request) {
	talker := chi.URLParam(r, "talker")
	window, err := parseWindow(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if err := h.acc.Open(r.Context(), talker); err != nil {
		h.fail(w, err)
		return
	}
	msgs, err := h.acc.Messages(talker, window)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messagesResponse{Talker: talker, Count: len(msgs), Messages: nonNil(msgs)})
}

type rangeRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (h *handler) requestRange(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req rangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	window, err := parseWindow(req.From, req.To)
	if err != nil || window == nil {
		httpError(w, http.StatusBadRequest, "from and to are required")
		return
	}
	talker := chi.URLParam(r, "talker")
	msgs, err := h.acc.RequestRange(r.Context(), talker, *window)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messagesResponse{Talker: talker, Count: len(msgs), Messages: nonNil(msgs)})
}

func (h *handler) context(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window, err := parseWindow(q.Get("from"), q.Get("to"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "%v", err)
		return
	}
	req := Request{
		Talker:   chi.URLParam(r, "talker"),
		Strategy: Strategy(q.Get("strategy")),
		Range:    window,
		Keywords: splitList(q.Get("keywords")),
	}
	if req.Limit, err = intParam(q.Get("limit")); err != nil {
		httpError(w, http.StatusBadRequest, "limit: %v", err)
		return
	}
	if req.MaxTokens, err = intParam(q.Get("max_tokens")); err != nil {
		httpError(w, http.StatusBadRequest, "max_tokens: %v", err)
		return
	}

	out, err := Build(r.Context(), h.acc, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		h.logger.Warn("context request failed", zap.Error(err))
	}
	httpError(w, status, "%v", err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, timeline.ErrNoConversation):
		return http.StatusNotFound
	case errors.Is(err, timeline.ErrFetchInFlight):
		return http.StatusConflict
	case chatlog.IsTransient(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// parseWindow accepts RFC 3339 or "2006-01-02 15:04:05" in the source's zone.
// Both empty means no window.
func parseWindow(from, to string) (*store.TimeRange, error) {
	if from == "" && to == "" {
		return nil, nil
	}
	if from == "" || to == "" {
		return nil, fmt.Errorf("%w: from and to go together", ErrBadRequest)
	}
	start, err := parseTime(from)
	if err != nil {
		return nil, err
	}
	end, err := parseTime(to)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: to is before from", ErrBadRequest)
	}
	return &store.TimeRange{Start: start, End: end}, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04:05", s, chatlog.CST)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad time %q", ErrBadRequest, s)
	}
	return t, nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func nonNil(msgs []store.Message) []store.Message {
	if msgs == nil {
		return []store.Message{}
	}
	return msgs
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"status":  code,
		},
	})
}
