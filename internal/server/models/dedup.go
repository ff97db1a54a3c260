package models

import "time"

// DedupRecord maps a content hash to the remote message holding its bytes.
// Scope is "user:<id>" or "global".
type DedupRecord struct {
	Scope       string    `db:"scope"`
	ContentHash string    `db:"content_hash"`
	ChatID      int64     `db:"chat_id"`
	MessageID   int64     `db:"message_id"`
	Size        int64     `db:"size"`
	MimeType    string    `db:"mime_type"`
	CreatedAt   time.Time `db:"created_at"`
}
