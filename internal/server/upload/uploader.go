// Package upload stores payloads on the remote platform as documents.
//
// A payload is split into fixed-size parts which are uploaded concurrently
// under one ephemeral file id, assembled into a single input file and sent to
// the target chat. Before any transfer the dedup index is consulted; a hit
// returns the existing location without touching the remote platform.
package upload

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dmitrijs2005/chanvault/internal/common"
	"github.com/dmitrijs2005/chanvault/internal/logging"
	"github.com/dmitrijs2005/chanvault/internal/remote"
	"github.com/dmitrijs2005/chanvault/internal/server/config"
	"github.com/dmitrijs2005/chanvault/internal/server/metrics"
	"github.com/dmitrijs2005/chanvault/internal/server/models"
	"github.com/dmitrijs2005/chanvault/internal/server/repositories/repomanager"
)

// ClientSource hands out the remote client of a user.
type ClientSource interface {
	Get(ctx context.Context, userID int64) (remote.Client, error)
}

// Request describes one payload. Content must serve Size bytes from offset 0.
type Request struct {
	UserID      int64
	Content     io.ReaderAt
	Size        int64
	ContentHash string
	ChatID      int64
	Filename    string
	MimeType    string
}

// RemoteFileRef is where the payload's bytes live after Upload.
type RemoteFileRef struct {
	ChatID       int64
	MessageID    int64
	Size         int64
	MimeType     string
	Deduplicated bool
}

type Uploader struct {
	db          *sql.DB
	repos       repomanager.RepositoryManager
	clients     ClientSource
	partSize    int64
	concurrency int
	dedupScope  string
	logger      logging.Logger
	metrics     *metrics.Metrics
	flights     singleflight.Group
	newFileID   func() int64
}

func New(db *sql.DB, m repomanager.RepositoryManager, clients ClientSource, cfg *config.Config, logger logging.Logger, mt *metrics.Metrics) *Uploader {
	partSize := int64(cfg.UploadPartSize)
	if partSize <= 0 {
		partSize = 512 << 10
	}
	concurrency := cfg.UploadConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Uploader{
		db:          db,
		repos:       m,
		clients:     clients,
		partSize:    partSize,
		concurrency: concurrency,
		dedupScope:  cfg.DedupScope,
		logger:      logger.With("module", "upload"),
		metrics:     mt,
		newFileID:   newFileID,
	}
}

// Scope returns the dedup scope uploads of userID are registered under.
func (u *Uploader) Scope(userID int64) string {
	if u.dedupScope == config.DedupScopeGlobal {
		return config.DedupScopeGlobal
	}
	return "user:" + strconv.FormatInt(userID, 10)
}

// Lookup returns the stored location of contentHash in the scope of userID,
// or nil when the content was never uploaded there.
func (u *Uploader) Lookup(ctx context.Context, userID int64, contentHash string) (*RemoteFileRef, error) {
	return u.lookup(ctx, u.Scope(userID), contentHash)
}

// Upload stores the payload unless its hash is already known in the caller's
// scope. Concurrent calls for the same scope and hash share one transfer;
// each caller stops waiting when its own ctx ends, and a caller whose ctx is
// still live takes over when the transfer it waited on was cancelled.
//
// Remote backpressure is returned as *common.RateLimitedError and is not
// retried. A failed or cancelled part upload aborts before assembly.
func (u *Uploader) Upload(ctx context.Context, req Request) (*RemoteFileRef, error) {
	scope := u.Scope(req.UserID)

	if ref, err := u.lookup(ctx, scope, req.ContentHash); err != nil || ref != nil {
		return ref, err
	}

	for {
		ref, leader, err := u.share(ctx, scope, req)
		if err != nil {
			if !leader && ctx.Err() == nil && isCancellation(err) {
				u.logger.Info(ctx, "shared upload cancelled by its owner, retrying", "scope", scope)
				continue
			}
			return nil, err
		}
		if !leader && !ref.Deduplicated {
			ref.Deduplicated = true
			u.metrics.DedupHit()
		}
		return ref, nil
	}
}

// share joins or starts the transfer of (scope, hash). leader reports whether
// this call ran the transfer itself.
func (u *Uploader) share(ctx context.Context, scope string, req Request) (*RemoteFileRef, bool, error) {
	var leader bool
	ch := u.flights.DoChan(scope+"/"+req.ContentHash, func() (any, error) {
		leader = true
		if ref, err := u.lookup(ctx, scope, req.ContentHash); err != nil || ref != nil {
			return ref, err
		}
		return u.transfer(ctx, scope, req)
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, leader, res.Err
		}
		ref := *res.Val.(*RemoteFileRef)
		return &ref, leader, nil
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (u *Uploader) lookup(ctx context.Context, scope, hash string) (*RemoteFileRef, error) {
	rec, err := u.repos.Dedup(u.db).Lookup(ctx, scope, hash)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.metrics.DedupHit()
	u.logger.Info(ctx, "upload deduplicated", "scope", scope, "chat_id", rec.ChatID, "message_id", rec.MessageID)
	return &RemoteFileRef{
		ChatID:       rec.ChatID,
		MessageID:    rec.MessageID,
		Size:         rec.Size,
		MimeType:     rec.MimeType,
		Deduplicated: true,
	}, nil
}

func (u *Uploader) transfer(ctx context.Context, scope string, req Request) (*RemoteFileRef, error) {
	client, err := u.clients.Get(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	fileID := u.newFileID()
	totalParts := PartCount(req.Size, u.partSize)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)
	for i := 0; i < totalParts; i++ {
		off := int64(i) * u.partSize
		n := min(u.partSize, req.Size-off)
		g.Go(func() error {
			buf := make([]byte, n)
			if _, err := io.ReadFull(io.NewSectionReader(req.Content, off, n), buf); err != nil {
				return fmt.Errorf("read part %d: %w", i, err)
			}
			if err := client.UploadPart(gctx, fileID, i, totalParts, buf); err != nil {
				return fmt.Errorf("upload part %d: %w", i, err)
			}
			u.metrics.UploadPart(len(buf))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		u.logger.Warn(ctx, "upload aborted", "user_id", req.UserID, "file_id", fileID, "error", err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file := client.AssembleBigFile(fileID, totalParts, req.Filename)
	msg, err := client.SendFile(ctx, req.ChatID, file, remote.FileAttributes{
		Filename:      req.Filename,
		MimeType:      req.MimeType,
		Size:          req.Size,
		ForceDocument: true,
	})
	if err != nil {
		return nil, fmt.Errorf("send file: %w", err)
	}

	ref := &RemoteFileRef{ChatID: msg.ChatID, MessageID: msg.ID, Size: req.Size, MimeType: req.MimeType}

	inserted, err := u.repos.Dedup(u.db).Register(ctx, &models.DedupRecord{
		Scope:       scope,
		ContentHash: req.ContentHash,
		ChatID:      ref.ChatID,
		MessageID:   ref.MessageID,
		Size:        ref.Size,
		MimeType:    ref.MimeType,
	})
	switch {
	case err != nil:
		u.logger.Error(ctx, "failed to register upload for dedup", "scope", scope, "error", err)
	case !inserted:
		u.logger.Warn(ctx, "dedup record already present, keeping existing", "scope", scope)
	}

	u.logger.Info(ctx, "upload complete",
		"user_id", req.UserID, "chat_id", ref.ChatID, "message_id", ref.MessageID,
		"size", req.Size, "parts", totalParts)
	return ref, nil
}

// PartCount is the number of parts a payload of size bytes is split into.
// Empty payloads still take one (empty) part.
func PartCount(size, partSize int64) int {
	if size <= 0 {
		return 1
	}
	return int((size + partSize - 1) / partSize)
}

// newFileID derives a positive process-unique id from a random UUID.
func newFileID() int64 {
	id := uuid.New()
	v := int64(binary.BigEndian.Uint64(id[:8]) >> 1)
	if v == 0 {
		v = 1
	}
	return v
}
