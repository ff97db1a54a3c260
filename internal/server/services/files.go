// Package services contains server-side business logic. FileService ties the
// logical file table to the remote transfer engines; SessionService reports
// and refreshes the user's remote connection.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/dmitrijs2005/chanvault/internal/common"
	"github.com/dmitrijs2005/chanvault/internal/dbx"
	"github.com/dmitrijs2005/chanvault/internal/logging"
	"github.com/dmitrijs2005/chanvault/internal/remote"
	"github.com/dmitrijs2005/chanvault/internal/server/download"
	"github.com/dmitrijs2005/chanvault/internal/server/models"
	"github.com/dmitrijs2005/chanvault/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/chanvault/internal/server/upload"
)

// ClientSource hands out the remote client of a user.
type ClientSource interface {
	Get(ctx context.Context, userID int64) (remote.Client, error)
}

// MediaInvalidator drops cached media metadata.
type MediaInvalidator interface {
	Invalidate(userID, chatID, messageID int64)
}

// UploadRequest is a new logical file. Content must serve Size bytes.
type UploadRequest struct {
	UserID      int64
	FolderID    *int64
	Filename    string
	MimeType    string
	Size        int64
	ContentHash string
	Content     io.ReaderAt
}

type FileService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	clients     ClientSource
	uploader    *upload.Uploader
	downloader  *download.Downloader
	media       MediaInvalidator
	logger      logging.Logger
}

func NewFileService(db *sql.DB, m repomanager.RepositoryManager, clients ClientSource, u *upload.Uploader, d *download.Downloader, media MediaInvalidator, logger logging.Logger) *FileService {
	return &FileService{
		db:          db,
		repomanager: m,
		clients:     clients,
		uploader:    u,
		downloader:  d,
		media:       media,
		logger:      logger.With("module", "files"),
	}
}

// Upload stores a new logical file. The same content in the same folder is
// rejected with common.ErrorAlreadyExists; elsewhere it reuses the existing
// remote copy. The connection pool and the storage channel are only touched
// when the dedup index has no copy.
func (s *FileService) Upload(ctx context.Context, req UploadRequest) (*models.File, error) {
	_, err := s.repomanager.Files(s.db).FindInFolder(ctx, req.UserID, req.FolderID, req.ContentHash)
	switch {
	case err == nil:
		return nil, common.ErrorAlreadyExists
	case !errors.Is(err, common.ErrorNotFound):
		return nil, err
	}

	ref, err := s.uploader.Lookup(ctx, req.UserID, req.ContentHash)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		ch, err := s.storageChannel(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		ref, err = s.uploader.Upload(ctx, upload.Request{
			UserID:      req.UserID,
			Content:     req.Content,
			Size:        req.Size,
			ContentHash: req.ContentHash,
			ChatID:      ch.ChatID,
			Filename:    req.Filename,
			MimeType:    req.MimeType,
		})
		if err != nil {
			return nil, err
		}
	}

	f := &models.File{
		UserID:      req.UserID,
		FolderID:    req.FolderID,
		Filename:    req.Filename,
		Size:        req.Size,
		MimeType:    req.MimeType,
		ContentHash: req.ContentHash,
		ChatID:      ref.ChatID,
		MessageID:   ref.MessageID,
	}
	if err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repomanager.Files(tx).Create(ctx, f); err != nil {
			return fmt.Errorf("error creating file: %w", err)
		}
		// A dedup hit may leave the user without a storage channel yet.
		if err := s.repomanager.Channels(tx).AddUsage(ctx, req.UserID, 1, req.Size); err != nil && !errors.Is(err, common.ErrorNotFound) {
			return fmt.Errorf("error updating channel usage: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "file stored", "user_id", req.UserID, "file_id", f.ID, "deduplicated", ref.Deduplicated)
	return f, nil
}

// Open returns the file entry together with fresh media metadata.
func (s *FileService) Open(ctx context.Context, userID, fileID int64) (*models.File, *models.MediaHandle, error) {
	f, err := s.repomanager.Files(s.db).GetByID(ctx, userID, fileID)
	if err != nil {
		return nil, nil, err
	}
	h, err := s.downloader.Open(ctx, userID, f.ChatID, f.MessageID)
	if err != nil {
		return nil, nil, err
	}
	return f, h, nil
}

// Stream starts a transfer of [start, start+length) of f; length <= 0 reads
// to the end.
func (s *FileService) Stream(ctx context.Context, f *models.File, start, length int64) (*download.Stream, error) {
	return s.downloader.Stream(ctx, download.Request{
		UserID:    f.UserID,
		ChatID:    f.ChatID,
		MessageID: f.MessageID,
		Start:     start,
		Length:    length,
	})
}

// Delete removes a logical file. The remote message and its dedup record go
// only with the last entry referencing them.
func (s *FileService) Delete(ctx context.Context, userID, fileID int64) error {
	f, err := s.repomanager.Files(s.db).GetByID(ctx, userID, fileID)
	if err != nil {
		return err
	}

	var last bool
	if err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		files := s.repomanager.Files(tx)
		if err := files.Delete(ctx, userID, fileID); err != nil {
			return err
		}
		if err := s.repomanager.Channels(tx).AddUsage(ctx, userID, -1, -f.Size); err != nil && !errors.Is(err, common.ErrorNotFound) {
			return fmt.Errorf("error updating channel usage: %w", err)
		}
		remaining, err := files.CountByLocation(ctx, f.ChatID, f.MessageID)
		if err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}
		last = true
		_, err = s.repomanager.Dedup(tx).DeleteByLocation(ctx, f.ChatID, f.MessageID)
		return err
	}); err != nil {
		return err
	}

	if !last {
		return nil
	}

	s.media.Invalidate(userID, f.ChatID, f.MessageID)
	client, err := s.clients.Get(ctx, userID)
	if err == nil {
		err = client.DeleteMessages(ctx, f.ChatID, []int64{f.MessageID})
	}
	if err != nil && !errors.Is(err, common.ErrorNotFound) {
		s.logger.Error(ctx, "failed to delete remote message", "user_id", userID, "chat_id", f.ChatID, "message_id", f.MessageID, "error", err)
	}
	return nil
}

// storageChannel returns the user's storage chat, creating it on first use.
func (s *FileService) storageChannel(ctx context.Context, userID int64) (*models.StorageChannel, error) {
	repo := s.repomanager.Channels(s.db)

	ch, err := repo.Get(ctx, userID)
	if err == nil {
		return ch, nil
	}
	if !errors.Is(err, common.ErrorNotFound) {
		return nil, err
	}

	client, err := s.clients.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	chatID, err := client.CreateChannel(ctx, common.StorageChannelTitle, common.StorageChannelAbout)
	if err != nil {
		return nil, fmt.Errorf("error creating storage channel: %w", err)
	}

	ch, err = repo.Create(ctx, &models.StorageChannel{UserID: userID, ChatID: chatID})
	if err != nil {
		return nil, err
	}
	if ch.ChatID != chatID {
		s.logger.Warn(ctx, "storage channel created concurrently, using existing", "user_id", userID, "chat_id", ch.ChatID)
	} else {
		s.logger.Info(ctx, "storage channel created", "user_id", userID, "chat_id", chatID)
	}
	return ch, nil
}
