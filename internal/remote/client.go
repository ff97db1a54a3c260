// Package remote describes the capability chanvault needs from the messaging
// platform that physically stores file bytes: an authenticated client able to
// fetch media pages, look up messages, upload file parts and post documents
// into a chat.
//
// Adapters translate platform failures into the closed error set from
// internal/common:
//
//   - common.ErrorUnauthorized   the session is no longer accepted
//   - common.ErrStaleReference   a MediaRef token expired and must be refreshed
//   - common.ErrorNotFound       the message or chat does not exist
//   - *common.RateLimitedError   the platform asks the caller to back off
//
// Everything else is returned wrapped and treated as internal.
package remote

import (
	"context"
)

// PageAlign is the alignment every FetchPage offset and limit must respect.
const PageAlign = 4 << 10

// MaxPageSize is the largest limit FetchPage accepts.
const MaxPageSize = 1 << 20

// MediaRef addresses the bytes of a document attached to a message. Token is
// an opaque, expiring reference issued by the platform.
type MediaRef struct {
	ChatID    int64
	MessageID int64
	Token     string
}

// Document is the media attached to a message.
type Document struct {
	Ref      MediaRef
	Size     int64
	MimeType string
	Filename string
}

// Message is a chat message as far as file storage cares about it.
// Media is nil for messages without an attached document.
type Message struct {
	ChatID int64
	ID     int64
	Media  *Document
}

// InputFile is the handle returned by AssembleBigFile and consumed by SendFile.
type InputFile struct {
	FileID     int64
	TotalParts int
	Name       string
}

// FileAttributes are sent along with a document.
type FileAttributes struct {
	Filename      string
	MimeType      string
	Size          int64
	ForceDocument bool
}

// Client is one authenticated connection to the platform.
//
// Implementations must be safe for concurrent use once connected; the
// downloader and uploader issue FetchPage / UploadPart calls in parallel.
type Client interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Disconnect(ctx context.Context) error
	IsAuthorized(ctx context.Context) (bool, error)

	// FetchPage returns up to limit bytes of the referenced media starting
	// at offset. Fewer bytes are returned only at the end of the media.
	FetchPage(ctx context.Context, ref MediaRef, offset int64, limit int) ([]byte, error)
	GetMessage(ctx context.Context, chatID, messageID int64) (*Message, error)

	UploadPart(ctx context.Context, fileID int64, partIndex, totalParts int, data []byte) error
	AssembleBigFile(fileID int64, totalParts int, filename string) InputFile
	SendFile(ctx context.Context, chatID int64, file InputFile, attrs FileAttributes) (*Message, error)
	DeleteMessages(ctx context.Context, chatID int64, ids []int64) error

	// CreateChannel provisions a private channel and returns its chat id.
	CreateChannel(ctx context.Context, title, about string) (int64, error)
}

// Factory builds unconnected clients from a decrypted session blob.
type Factory interface {
	New(session []byte) (Client, error)
}

// FactoryFunc adapts a plain function to Factory.
type FactoryFunc func(session []byte) (Client, error)

func (f FactoryFunc) New(session []byte) (Client, error) {
	return f(session)
}
