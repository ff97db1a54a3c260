package models

import "time"

// StorageChannel is the remote chat a user's uploads are posted to.
type StorageChannel struct {
	UserID    int64     `db:"user_id"`
	ChatID    int64     `db:"chat_id"`
	FileCount int64     `db:"file_count"`
	TotalSize int64     `db:"total_size"`
	CreatedAt time.Time `db:"created_at"`
}
