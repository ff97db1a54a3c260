package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dmitrijs2005/chanvault/internal/server/models"
	"github.com/dmitrijs2005/chanvault/internal/server/services"
)

var errBadRequest = errors.New("bad request")

const defaultMimeType = "application/octet-stream"

type fileResponse struct {
	ID          int64     `json:"id"`
	FolderID    *int64    `json:"folder_id"`
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	MimeType    string    `json:"mime_type"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

func toFileResponse(f *models.File) fileResponse {
	return fileResponse{
		ID:          f.ID,
		FolderID:    f.FolderID,
		Filename:    f.Filename,
		Size:        f.Size,
		MimeType:    f.MimeType,
		ContentHash: f.ContentHash,
		CreatedAt:   f.CreatedAt,
	}
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid file id", errBadRequest)
	}
	return id, nil
}

// lazyWriter postpones the status line until the first byte is ready, so a
// transfer failing before any data still gets a proper error response.
type lazyWriter struct {
	w       http.ResponseWriter
	status  int
	started bool
}

func (l *lazyWriter) Write(b []byte) (int, error) {
	if !l.started {
		l.started = true
		l.w.WriteHeader(l.status)
	}
	n, err := l.w.Write(b)
	if err == nil {
		_ = http.NewResponseController(l.w).Flush()
	}
	return n, err
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFrom(ctx)

	fileID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	f, h, err := s.files.Open(ctx, userID, fileID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	window := byteRange{Start: 0, End: h.Size - 1}
	if header := r.Header.Get("Range"); header != "" {
		rng, err := parseRange(header, h.Size, s.openRangeWindow)
		switch {
		case err == nil:
			window, status = rng, http.StatusPartialContent
		case s.strictRanges:
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", h.Size))
			s.writeError(w, r, err)
			return
		}
	}

	mimeType := h.MimeType
	if mimeType == "" {
		mimeType = defaultMimeType
	}
	filename := h.Filename
	if filename == "" {
		filename = f.Filename
	}

	hdr := w.Header()
	hdr.Set("Content-Type", mimeType)
	hdr.Set("Accept-Ranges", "bytes")
	hdr.Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": filename}))
	hdr.Set("Content-Length", strconv.FormatInt(max(window.length(), 0), 10))
	if status == http.StatusPartialContent {
		hdr.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", window.Start, window.End, h.Size))
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}

	stream, err := s.files.Stream(ctx, f, window.Start, window.length())
	if err != nil {
		clearContentHeaders(w)
		s.writeError(w, r, err)
		return
	}

	lw := &lazyWriter{w: w, status: status}
	n, err := stream.WriteTo(lw)
	if err != nil {
		if !lw.started {
			clearContentHeaders(w)
			s.writeError(w, r, err)
			return
		}
		s.logger.Warn(ctx, "stream aborted",
			"request_id", requestIDFrom(ctx), "file_id", fileID, "sent", n, "error", err)
		return
	}
	if !lw.started {
		w.WriteHeader(status)
	}
}

func clearContentHeaders(w http.ResponseWriter) {
	for _, k := range []string{"Content-Length", "Content-Range", "Content-Disposition", "Accept-Ranges"} {
		w.Header().Del(k)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.ContentLength > s.maxUploadSize {
		s.writeError(w, r, &http.MaxBytesError{Limit: s.maxUploadSize})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)

	mr, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: multipart body expected", errBadRequest))
		return
	}

	tmp, release, err := s.spool.Create("chanvault-upload-*")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer release()

	req := services.UploadRequest{UserID: userIDFrom(ctx), Content: tmp}
	var gotFile bool

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		switch part.FormName() {
		case "file":
			if gotFile {
				s.writeError(w, r, fmt.Errorf("%w: only one file per request", errBadRequest))
				return
			}
			gotFile = true

			hash := sha256.New()
			n, err := io.Copy(io.MultiWriter(tmp, hash), part)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			req.Size = n
			req.ContentHash = hex.EncodeToString(hash.Sum(nil))
			req.Filename = filepath.Base(part.FileName())
			req.MimeType = part.Header.Get("Content-Type")
			if req.MimeType == "" || req.MimeType == defaultMimeType {
				if byExt := mime.TypeByExtension(filepath.Ext(req.Filename)); byExt != "" {
					req.MimeType = byExt
				}
			}
			if req.MimeType == "" {
				req.MimeType = defaultMimeType
			}
		case "folder_id":
			raw, err := io.ReadAll(io.LimitReader(part, 32))
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			folderID, err := strconv.ParseInt(string(raw), 10, 64)
			if err != nil || folderID <= 0 {
				s.writeError(w, r, fmt.Errorf("%w: invalid folder_id", errBadRequest))
				return
			}
			req.FolderID = &folderID
		}
		_ = part.Close()
	}

	if !gotFile || req.Filename == "" || req.Filename == "." {
		s.writeError(w, r, fmt.Errorf("%w: file part is required", errBadRequest))
		return
	}

	f, err := s.files.Upload(ctx, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFileResponse(f))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	fileID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.files.Delete(r.Context(), userIDFrom(r.Context()), fileID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionStatusResponse struct {
	HasSession bool `json:"has_session"`
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	ok, err := s.sessions.Status(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionStatusResponse{HasSession: ok})
}

type refreshResponse struct {
	Refreshed bool `json:"refreshed"`
}

func (s *Server) handleSessionRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Refresh(r.Context(), userIDFrom(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{Refreshed: true})
}

