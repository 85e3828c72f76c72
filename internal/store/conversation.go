package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation list row. The last
// message fields only move forward in time.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (talker, name, is_chat_room, last_message_at, last_message_text, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(talker) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE conversations.name END,
			is_chat_room = excluded.is_chat_room,
			last_message_text = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_text ELSE conversations.last_message_text END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.Talker, c.Name, c.IsChatRoom, c.LastMessageAt, c.LastMessageText, now)
	return err
}

// ListConversations returns conversations sorted by last message time descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT talker, COALESCE(NULLIF(name, ''), talker), is_chat_room, last_message_at, last_message_text
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.Talker, &c.Name, &c.IsChatRoom, &c.LastMessageAt, &c.LastMessageText); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation, or nil if unknown.
func (db *DB) GetConversation(talker string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT talker, COALESCE(NULLIF(name, ''), talker), is_chat_room, last_message_at, last_message_text
		FROM conversations WHERE talker = ?`, talker).
		Scan(&c.Talker, &c.Name, &c.IsChatRoom, &c.LastMessageAt, &c.LastMessageText)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
