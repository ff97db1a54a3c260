// Package download turns the remote fixed-page fetch primitive into ordered,
// range-bounded byte streams.
//
// A window [start, end) is covered by chunks aligned to the chunk size of the
// media's Policy. Chunks are fetched in batches of Policy.Concurrency, each
// chunk as a sequence of quantum-sized pages, and the batch is yielded in
// offset order trimmed to the window.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/chanvault/internal/common"
	"github.com/dmitrijs2005/chanvault/internal/logging"
	"github.com/dmitrijs2005/chanvault/internal/remote"
	"github.com/dmitrijs2005/chanvault/internal/server/metrics"
	"github.com/dmitrijs2005/chanvault/internal/server/models"
)

var ErrStreamConsumed = errors.New("download: stream already consumed")

// ClientSource hands out the remote client of a user.
type ClientSource interface {
	Get(ctx context.Context, userID int64) (remote.Client, error)
}

// HandleResolver looks up media metadata; forceRefresh bypasses any cache.
type HandleResolver interface {
	Resolve(ctx context.Context, userID, chatID, messageID int64, forceRefresh bool) (*models.MediaHandle, error)
}

type Downloader struct {
	clients ClientSource
	media   HandleResolver
	quantum int64
	logger  logging.Logger
	metrics *metrics.Metrics
}

// New builds a Downloader. quantum is the page size of every FetchPage call;
// config.Validate keeps it a multiple of remote.PageAlign. Values outside
// (0, remote.MaxPageSize] fall back to remote.MaxPageSize.
func New(clients ClientSource, media HandleResolver, quantum int, logger logging.Logger, m *metrics.Metrics) *Downloader {
	if quantum <= 0 || quantum > remote.MaxPageSize {
		quantum = remote.MaxPageSize
	}
	return &Downloader{
		clients: clients,
		media:   media,
		quantum: int64(quantum),
		logger:  logger.With("module", "download"),
		metrics: m,
	}
}

// Request selects a byte window of a stored document. Length <= 0 means up
// to the end of the media.
type Request struct {
	UserID    int64
	ChatID    int64
	MessageID int64
	Start     int64
	Length    int64
}

// Open resolves the media metadata without starting a transfer.
func (d *Downloader) Open(ctx context.Context, userID, chatID, messageID int64) (*models.MediaHandle, error) {
	return d.media.Resolve(ctx, userID, chatID, messageID, false)
}

// Stream prepares a transfer of the requested window. Windows starting past
// the end of the media fail with common.ErrRangeNotSatisfiable; windows
// reaching past it are clamped.
func (d *Downloader) Stream(ctx context.Context, req Request) (*Stream, error) {
	client, err := d.clients.Get(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	h, err := d.media.Resolve(ctx, req.UserID, req.ChatID, req.MessageID, false)
	if err != nil {
		return nil, err
	}

	start := req.Start
	if start < 0 || (start >= h.Size && !(start == 0 && h.Size == 0)) {
		return nil, common.ErrRangeNotSatisfiable
	}
	end := h.Size
	if req.Length > 0 && start+req.Length < end {
		end = start + req.Length
	}

	p := PolicyFor(h.Size, h.MimeType)
	s := &Stream{
		d:           d,
		ctx:         ctx,
		client:      client,
		req:         req,
		handle:      h,
		start:       start,
		end:         end,
		chunkSize:   alignUp(p.ChunkSize, d.quantum),
		concurrency: p.Concurrency,
	}
	d.logger.Debug(ctx, "stream prepared",
		"user_id", req.UserID, "size", h.Size, "start", start, "end", end,
		"chunk_size", s.chunkSize, "concurrency", s.concurrency)
	return s, nil
}

// Stream is a forward-only, single-use transfer of one window.
type Stream struct {
	d           *Downloader
	ctx         context.Context
	client      remote.Client
	req         Request
	handle      *models.MediaHandle
	start       int64
	end         int64
	chunkSize   int64
	concurrency int
	refreshed   bool
	consumed    bool
}

// Size is the total size of the media, not of the window.
func (s *Stream) Size() int64 { return s.handle.Size }

// Start is the first byte of the window.
func (s *Stream) Start() int64 { return s.start }

// End is the last byte of the window plus one.
func (s *Stream) End() int64 { return s.end }

// Length is the number of bytes the stream yields.
func (s *Stream) Length() int64 { return s.end - s.start }

func (s *Stream) MimeType() string { return s.handle.MimeType }

func (s *Stream) Filename() string { return s.handle.Filename }

func (s *Stream) ChunkSize() int64 { return s.chunkSize }

func (s *Stream) Concurrency() int { return s.concurrency }

// Chunks yields the window in order. Iteration stops at the first error,
// which is yielded with a nil slice.
func (s *Stream) Chunks() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if s.consumed {
			yield(nil, ErrStreamConsumed)
			return
		}
		s.consumed = true

		pos := s.start
		for pos < s.end {
			parts, err := s.fetchBatch(pos)
			if errors.Is(err, common.ErrStaleReference) && !s.refreshed {
				if err := s.refresh(); err != nil {
					yield(nil, err)
					return
				}
				continue
			}
			if err != nil {
				yield(nil, err)
				return
			}

			advanced := false
			for _, b := range parts {
				if len(b) == 0 {
					continue
				}
				if !yield(b, nil) {
					return
				}
				pos += int64(len(b))
				advanced = true
			}
			if !advanced {
				yield(nil, fmt.Errorf("media ended at %d of %d: %w", pos, s.end, io.ErrUnexpectedEOF))
				return
			}
		}
	}
}

// WriteTo copies the window to w.
func (s *Stream) WriteTo(w io.Writer) (int64, error) {
	var n int64
	for b, err := range s.Chunks() {
		if err != nil {
			return n, err
		}
		m, err := w.Write(b)
		n += int64(m)
		s.d.metrics.DownloadBytes(m)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *Stream) refresh() error {
	s.refreshed = true
	s.d.metrics.StaleRefresh()
	s.d.logger.Info(s.ctx, "media reference expired, refreshing",
		"user_id", s.req.UserID, "chat_id", s.req.ChatID, "message_id", s.req.MessageID)

	h, err := s.d.media.Resolve(s.ctx, s.req.UserID, s.req.ChatID, s.req.MessageID, true)
	if err != nil {
		return err
	}
	s.handle = h
	return nil
}

// fetchBatch downloads up to concurrency chunks starting with the chunk that
// contains pos and returns their bytes trimmed to [pos, end), in order.
func (s *Stream) fetchBatch(pos int64) ([][]byte, error) {
	base := alignDown(pos, s.chunkSize)
	var offsets []int64
	for off := base; off < s.end && len(offsets) < s.concurrency; off += s.chunkSize {
		offsets = append(offsets, off)
	}

	results := make([][]byte, len(offsets))
	g, ctx := errgroup.WithContext(s.ctx)
	for i, off := range offsets {
		g.Go(func() error {
			from := max(off, pos)
			to := min(off+s.chunkSize, s.end)
			b, err := s.fetchRange(ctx, from, to)
			if err != nil {
				return err
			}
			results[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// fetchRange returns the bytes [from, to) using quantum-aligned pages. It
// returns fewer bytes only when the media ends early.
func (s *Stream) fetchRange(ctx context.Context, from, to int64) ([]byte, error) {
	q := s.d.quantum
	ref := s.handle.Ref
	pageStart := alignDown(from, q)

	buf := make([]byte, 0, alignUp(to-pageStart, q))
	for off := pageStart; off < to && off < s.handle.Size; off += q {
		page, err := s.client.FetchPage(ctx, ref, off, int(q))
		if err != nil {
			return nil, err
		}
		buf = append(buf, page...)
		if int64(len(page)) < q {
			break
		}
	}

	skip := from - pageStart
	if int64(len(buf)) <= skip {
		return nil, nil
	}
	buf = buf[skip:]
	if int64(len(buf)) > to-from {
		buf = buf[:to-from]
	}
	return buf, nil
}
