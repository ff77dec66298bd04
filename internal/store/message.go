package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/chatq/internal/errs"
)

// UpsertMessage inserts or updates a cached message (idempotent on client id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	_, err := db.Exec(`
		INSERT INTO messages (client_id, chat_id, server_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			body = excluded.body,
			status = excluded.status,
			server_id = CASE WHEN excluded.server_id != '' THEN excluded.server_id ELSE messages.server_id END,
			updated_at = excluded.updated_at`,
		m.ClientID, m.ChatID, m.ServerID, m.Body, m.Status, m.CreatedAt, now)
	if err != nil {
		return errs.New(errs.Storage, "upsert message", err)
	}
	return nil
}

// ConfirmMessage merges the server-assigned id into the optimistic row.
func (db *DB) ConfirmMessage(clientID, serverID string) error {
	_, err := db.Exec(`UPDATE messages SET server_id = ?, status = ?, updated_at = ? WHERE client_id = ?`,
		serverID, MessageSent, time.Now().UnixMilli(), clientID)
	if err != nil {
		return errs.New(errs.Storage, "confirm message", err)
	}
	return nil
}

// SetMessageStatus updates the status of a cached message.
func (db *DB) SetMessageStatus(clientID, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ?, updated_at = ? WHERE client_id = ?`,
		status, time.Now().UnixMilli(), clientID)
	if err != nil {
		return errs.New(errs.Storage, "set message status", err)
	}
	return nil
}

// DeleteMessage removes a cached message.
func (db *DB) DeleteMessage(clientID string) error {
	if _, err := db.Exec(`DELETE FROM messages WHERE client_id = ?`, clientID); err != nil {
		return errs.New(errs.Storage, "delete message", err)
	}
	return nil
}

// GetMessage returns a cached message by client id, or nil if absent.
func (db *DB) GetMessage(clientID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT client_id, chat_id, server_id, body, status, created_at
		FROM messages WHERE client_id = ?`, clientID).
		Scan(&m.ClientID, &m.ChatID, &m.ServerID, &m.Body, &m.Status, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.New(errs.Storage, "get message", err)
	}
	return &m, nil
}

// ListMessages returns the most recent messages of a chat, oldest first.
func (db *DB) ListMessages(chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT client_id, chat_id, server_id, body, status, created_at FROM (
			SELECT client_id, chat_id, server_id, body, status, created_at, rowid AS rid
			FROM messages WHERE chat_id = ?
			ORDER BY created_at DESC, rid DESC
			LIMIT ?
		) ORDER BY created_at ASC, rid ASC`, chatID, limit)
	if err != nil {
		return nil, errs.New(errs.Storage, "list messages", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ClientID, &m.ChatID, &m.ServerID, &m.Body, &m.Status, &m.CreatedAt); err != nil {
			return nil, errs.New(errs.Storage, "list messages", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
