// Package models defines server-side data models persisted in the database
// or held in the in-process caches.
package models

import "time"

// Session is a decrypted remote-platform session of one user. Blob is opaque
// to everything except the remote adapter.
type Session struct {
	UserID    int64
	Blob      []byte
	UpdatedAt time.Time
}

// SealedSession is the at-rest form of a Session.
type SealedSession struct {
	UserID     int64  `db:"user_id"`
	Ciphertext []byte `db:"encrypted_session"`
	Nonce      []byte `db:"nonce"`

	// NeedsReauth is set when the platform rejected the session; the row is
	// kept until the user links the account again.
	NeedsReauth bool      `db:"needs_reauth"`
	UpdatedAt   time.Time `db:"updated_at"`
}
