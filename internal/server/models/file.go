package models

import "time"

// File is a logical file entry owned by a user. Several entries may share the
// same physical remote message when their content hashes match.
type File struct {
	ID          int64     `db:"id"`
	UserID      int64     `db:"user_id"`
	FolderID    *int64    `db:"folder_id"`
	Filename    string    `db:"filename"`
	Size        int64     `db:"size"`
	MimeType    string    `db:"mime_type"`
	ContentHash string    `db:"content_hash"`
	ChatID      int64     `db:"chat_id"`
	MessageID   int64     `db:"message_id"`
	CreatedAt   time.Time `db:"created_at"`
}
