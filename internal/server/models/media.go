package models

import (
	"time"

	"github.com/dmitrijs2005/chanvault/internal/remote"
)

// MediaHandle is the cached metadata needed to stream a stored document.
type MediaHandle struct {
	Ref      remote.MediaRef
	Size     int64
	MimeType string
	Filename string
	CachedAt time.Time
}
