package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Fingerprint hashes the content-level fields of a message. Two records with
// the same (talker, seq, time) but different fingerprints are distinct versions.
func Fingerprint(m Message) string {
	h := sha256.New()
	contents, _ := json.Marshal(m.Contents)
	h.Write([]byte(m.Sender))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(m.Type)))
	h.Write([]byte{0})
	h.Write([]byte(m.Content))
	h.Write([]byte{0})
	h.Write(contents)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// SaveMessages caches messages in one transaction. Re-saving an identical
// record is a no-op. It returns the number of rows actually inserted.
func (db *DB) SaveMessages(ctx context.Context, msgs []Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	inserted := 0
	for _, m := range msgs {
		payload, err := json.Marshal(m)
		if err != nil {
			return 0, fmt.Errorf("encode message %d: %w", m.Seq, err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO messages (talker, seq, time_ms, fingerprint, id, sender, type, content, payload, cached_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.Talker, m.Seq, m.Timestamp().UnixMilli(), Fingerprint(m), m.ID, m.Sender, m.Type, m.Content, string(payload), now)
		if err != nil {
			return 0, fmt.Errorf("cache message %d: %w", m.Seq, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit messages: %w", err)
	}
	return inserted, nil
}

// CachedMessages returns the newest limit cached messages of a talker, oldest first.
func (db *DB) CachedMessages(ctx context.Context, talker string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := db.queryMessages(ctx, `
		SELECT payload FROM messages
		WHERE talker = ?
		ORDER BY time_ms DESC, seq DESC
		LIMIT ?`, talker, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// CachedRange returns the cached messages of a talker inside r, oldest first.
func (db *DB) CachedRange(ctx context.Context, talker string, r TimeRange) ([]Message, error) {
	return db.queryMessages(ctx, `
		SELECT payload FROM messages
		WHERE talker = ? AND time_ms >= ? AND time_ms <= ?
		ORDER BY time_ms ASC, seq ASC`, talker, r.Start.UnixMilli(), r.End.UnixMilli())
}

// CachedAfter returns cached messages strictly newer than t, oldest first.
func (db *DB) CachedAfter(ctx context.Context, talker string, t time.Time) ([]Message, error) {
	return db.queryMessages(ctx, `
		SELECT payload FROM messages
		WHERE talker = ? AND time_ms > ?
		ORDER BY time_ms ASC, seq ASC`, talker, t.UnixMilli())
}

func (db *DB) queryMessages(ctx context.Context, q string, args ...any) ([]Message, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var m Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("decode cached message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CacheStats reports count and time bounds of a talker's cached messages.
func (db *DB) CacheStats(ctx context.Context, talker string) (CacheStats, error) {
	var (
		count          int
		oldest, newest *int64
	)
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(time_ms), MAX(time_ms) FROM messages WHERE talker = ?`, talker).
		Scan(&count, &oldest, &newest)
	if err != nil {
		return CacheStats{}, err
	}
	stats := CacheStats{Talker: talker, Count: count}
	if oldest != nil {
		stats.Oldest = time.UnixMilli(*oldest)
	}
	if newest != nil {
		stats.Newest = time.UnixMilli(*newest)
	}
	return stats, nil
}

// ClearMessages drops every cached message of a talker.
func (db *DB) ClearMessages(ctx context.Context, talker string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM messages WHERE talker = ?`, talker)
	return err
}

// SearchMessages does a case-insensitive substring search over cached message content.
func (db *DB) SearchMessages(ctx context.Context, query, talker string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT payload FROM messages WHERE content LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if talker != "" {
		q += " AND talker = ?"
		args = append(args, talker)
	}
	q += " ORDER BY time_ms DESC LIMIT ?"
	args = append(args, limit)

	msgs, err := db.queryMessages(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(msgs))
	for _, m := range msgs {
		results = append(results, SearchResult{Message: m, Snippet: Snippet(m.Content, query, 32)})
	}
	return results, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Snippet cuts content down to width runes around the first match of query,
// marking the match with << >>. Matching ignores case rune by rune, so the
// match is cut from content at the same positions it was found.
func Snippet(content, query string, width int) string {
	runes := []rune(content)
	q := []rune(query)
	i := indexFold(runes, q)
	if i < 0 {
		if len(runes) > width {
			return string(runes[:width]) + "..."
		}
		return content
	}
	prefix := runes[:i]
	start := 0
	if len(prefix) > width/2 {
		start = len(prefix) - width/2
	}
	match := runes[i : i+len(q)]
	rest := runes[i+len(q):]
	if len(rest) > width/2 {
		rest = append(rest[:width/2:width/2], []rune("...")...)
	}
	out := string(prefix[start:]) + "<<" + string(match) + ">>" + string(rest)
	if start > 0 {
		out = "..." + out
	}
	return out
}

// indexFold returns the rune index of the first case-insensitive match of
// sub in s, or -1.
func indexFold(s, sub []rune) int {
	if len(sub) == 0 {
		return -1
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		j := 0
		for j < len(sub) && unicode.ToLower(s[i+j]) == unicode.ToLower(sub[j]) {
			j++
		}
		if j == len(sub) {
			return i
		}
	}
	return -1
}
