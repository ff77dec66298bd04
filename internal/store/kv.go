package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/chatq/internal/errs"
)

// Put stores value under key, replacing any previous value. A nil error
// means the write is committed and survives a restart.
func (db *DB) Put(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return errs.New(errs.Storage, "put "+key, err)
	}
	return nil
}

// Get returns the value stored under key and whether it was present.
func (db *DB) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.New(errs.Storage, "get "+key, err)
	}
	return value, true, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (db *DB) Delete(key string) error {
	if _, err := db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return errs.New(errs.Storage, "delete "+key, err)
	}
	return nil
}

// ListByPrefix returns all entries whose key starts with prefix, ordered by key.
func (db *DB) ListByPrefix(prefix string) ([]Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if end, ok := prefixEnd(prefix); ok {
		rows, err = db.Query(`SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key`, prefix, end)
	} else {
		rows, err = db.Query(`SELECT key, value FROM kv WHERE key >= ? ORDER BY key`, prefix)
	}
	if err != nil {
		return nil, errs.New(errs.Storage, "list "+prefix, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, errs.New(errs.Storage, "list "+prefix, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(errs.Storage, "list "+prefix, err)
	}
	return entries, nil
}

// prefixEnd returns the smallest string greater than every string with the
// given prefix. ok is false when no such bound exists (empty or all 0xff).
func prefixEnd(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}
