package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/chanvault/internal/common"
	"github.com/dmitrijs2005/chanvault/internal/logging"
	"github.com/dmitrijs2005/chanvault/internal/remote"
	"github.com/dmitrijs2005/chanvault/internal/remote/memory"
	"github.com/dmitrijs2005/chanvault/internal/server/auth"
	"github.com/dmitrijs2005/chanvault/internal/server/config"
	"github.com/dmitrijs2005/chanvault/internal/server/download"
	"github.com/dmitrijs2005/chanvault/internal/server/media"
	"github.com/dmitrijs2005/chanvault/internal/server/metrics"
	"github.com/dmitrijs2005/chanvault/internal/server/models"
	"github.com/dmitrijs2005/chanvault/internal/server/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (n nopLogger) Debug(context.Context, string, ...any) {}
func (n nopLogger) Info(context.Context, string, ...any)  {}
func (n nopLogger) Warn(context.Context, string, ...any)  {}
func (n nopLogger) Error(context.Context, string, ...any) {}
func (n nopLogger) With(...any) logging.Logger            { return n }

type staticSource struct{ client remote.Client }

func (s staticSource) Get(context.Context, int64) (remote.Client, error) { return s.client, nil }

// fakeFiles keeps file rows in memory and streams through a real downloader.
type fakeFiles struct {
	mu        sync.Mutex
	rows      map[int64]*models.File
	d         *download.Downloader
	uploads   []services.UploadRequest
	contents  [][]byte
	uploadErr error
	deleteErr error
	deleted   []int64
}

func (f *fakeFiles) Upload(_ context.Context, req services.UploadRequest) (*models.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	body, err := io.ReadAll(io.NewSectionReader(req.Content, 0, req.Size))
	if err != nil {
		return nil, err
	}
	f.uploads = append(f.uploads, req)
	f.contents = append(f.contents, body)
	return &models.File{ID: 10, UserID: req.UserID, FolderID: req.FolderID, Filename: req.Filename,
		Size: req.Size, MimeType: req.MimeType, ContentHash: req.ContentHash}, nil
}

func (f *fakeFiles) Open(ctx context.Context, userID, fileID int64) (*models.File, *models.MediaHandle, error) {
	f.mu.Lock()
	row, ok := f.rows[fileID]
	f.mu.Unlock()
	if !ok || row.UserID != userID {
		return nil, nil, common.ErrorNotFound
	}
	h, err := f.d.Open(ctx, userID, row.ChatID, row.MessageID)
	if err != nil {
		return nil, nil, err
	}
	return row, h, nil
}

func (f *fakeFiles) Stream(ctx context.Context, file *models.File, start, length int64) (*download.Stream, error) {
	return f.d.Stream(ctx, download.Request{
		UserID: file.UserID, ChatID: file.ChatID, MessageID: file.MessageID, Start: start, Length: length,
	})
}

func (f *fakeFiles) Delete(_ context.Context, _ int64, fileID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, fileID)
	return nil
}

type fakeSessions struct {
	has        bool
	refreshErr error
}

func (f *fakeSessions) Status(context.Context, int64) (bool, error) { return f.has, nil }
func (f *fakeSessions) Refresh(context.Context, int64) error        { return f.refreshErr }

const secret = "secret"

type fixture struct {
	plat     *memory.Platform
	files    *fakeFiles
	sessions *fakeSessions
	srv      *Server
	handler  http.Handler
	data     []byte
	token    string
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	plat := memory.New(memory.WithQuantum(256))
	plat.Authorize("s")
	c, err := plat.Factory().New([]byte("s"))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	src := staticSource{client: c}

	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	chat := plat.AddChat("store")
	msg := plat.PutDocument(chat, data, "video/mp4", "clip.mp4")

	cache := media.New(src, time.Minute, 10, nopLogger{}, nil)
	files := &fakeFiles{
		rows: map[int64]*models.File{
			1: {ID: 1, UserID: 1, Filename: "clip.mp4", Size: 1000, ChatID: chat, MessageID: msg.ID},
		},
		d: download.New(src, cache, 256, nopLogger{}, nil),
	}
	sessions := &fakeSessions{has: true}

	cfg := &config.Config{SecretKey: secret, StrictRanges: true, MaxUploadSize: 1 << 20, UploadSpoolDir: t.TempDir()}
	if mutate != nil {
		mutate(cfg)
	}
	srv, err := New("127.0.0.1:0", files, sessions, cfg, nopLogger{}, metrics.New())
	require.NoError(t, err)

	token, err := auth.GenerateToken(1, []byte(secret), time.Hour)
	require.NoError(t, err)

	return &fixture{plat: plat, files: files, sessions: sessions, srv: srv, handler: srv.Handler(), data: data, token: token}
}

func (f *fixture) do(method, target string, body io.Reader, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	req.Header.Set(common.AuthorizationHeaderName, common.BearerPrefix+f.token)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestStream_FullBody(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/v1/files/1/stream", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, f.data, rec.Body.Bytes())
	assert.Equal(t, "1000", rec.Header().Get("Content-Length"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, `inline; filename=clip.mp4`, rec.Header().Get("Content-Disposition"))
	assert.Empty(t, rec.Header().Get("Content-Range"))
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestStream_ClosedRangeFetchesOnePage(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/v1/files/1/stream", nil, map[string]string{"Range": "bytes=100-199"})

	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 100-199/1000", rec.Header().Get("Content-Range"))
	assert.Equal(t, "100", rec.Header().Get("Content-Length"))
	assert.Equal(t, f.data[100:200], rec.Body.Bytes())
	assert.Equal(t, []memory.FetchCall{{Offset: 0, Limit: 256}}, f.plat.FetchLog())
}

func TestStream_SuffixRange(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/v1/files/1/stream", nil, map[string]string{"Range": "bytes=-100"})

	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 900-999/1000", rec.Header().Get("Content-Range"))
	assert.Equal(t, f.data[900:], rec.Body.Bytes())
}

func TestStream_OpenRangeWindow(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.OpenRangeWindow = 300 })

	rec := f.do(http.MethodGet, "/api/v1/files/1/stream", nil, map[string]string{"Range": "bytes=200-"})

	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 200-499/1000", rec.Header().Get("Content-Range"))
	assert.Equal(t, f.data[200:500], rec.Body.Bytes())
}

func TestStream_UnsatisfiableStrict(t *testing.T) {
	f := newFixture(t, nil)

	for _, h := range []string{"bytes=1000-", "bytes=500-100", "bytes=x"} {
		rec := f.do(http.MethodGet, "/api/v1/files/1/stream", nil, map[string]string{"Range": h})
		assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code, h)
		assert.Equal(t, "bytes */1000", rec.Header().Get("Content-Range"), h)
	}
	assert.Zero(t, f.plat.Fetches())
}

func TestStream_UnsatisfiableLenient(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.StrictRanges = false })

	rec := f.do(http.MethodGet, "/api/v1/files/1/stream", nil, map[string]string{"Range": "bytes=5000-6000"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, f.data, rec.Body.Bytes())
	assert.Empty(t, rec.Header().Get("Content-Range"))
}

func TestStream_HeadSendsHeadersOnly(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodHead, "/api/v1/files/1/stream", nil, map[string]string{"Range": "bytes=0-9"})

	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("Content-Length"))
	assert.Equal(t, "bytes 0-9/1000", rec.Header().Get("Content-Range"))
	assert.Zero(t, rec.Body.Len())
	assert.Zero(t, f.plat.Fetches())
}

func TestStream_Errors(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/v1/files/2/stream", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/files/abc/stream", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.plat.FailStale(2)
	rec = f.do(http.MethodGet, "/api/v1/files/1/stream", nil, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Disposition"))
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	req.Header.Set(common.AuthorizationHeaderName, common.BearerPrefix+"garbage")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := auth.GenerateToken(1, []byte(secret), -time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	req.Header.Set(common.AuthorizationHeaderName, common.BearerPrefix+expired)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), common.ErrTokenExpired.Error())
}

func multipartBody(t *testing.T, folder, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if folder != "" {
		require.NoError(t, mw.WriteField("folder_id", folder))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUpload(t *testing.T) {
	f := newFixture(t, nil)
	content := []byte("hello, world")

	body, ct := multipartBody(t, "5", "notes.txt", content)
	rec := f.do(http.MethodPost, "/api/v1/files", body, map[string]string{"Content-Type": ct})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, f.files.uploads, 1)
	got := f.files.uploads[0]
	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), got.ContentHash)
	assert.Equal(t, int64(len(content)), got.Size)
	assert.Equal(t, "notes.txt", got.Filename)
	assert.True(t, strings.HasPrefix(got.MimeType, "text/plain"), got.MimeType)
	require.NotNil(t, got.FolderID)
	assert.Equal(t, int64(5), *got.FolderID)
	assert.Equal(t, content, f.files.contents[0])

	var resp fileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(10), resp.ID)
	assert.Equal(t, "notes.txt", resp.Filename)
}

func TestUpload_Rejections(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.MaxUploadSize = 512 })

	body, ct := multipartBody(t, "", "big.bin", bytes.Repeat([]byte("x"), 2000))
	rec := f.do(http.MethodPost, "/api/v1/files", body, map[string]string{"Content-Type": ct})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	body, ct = multipartBody(t, "1", "", nil)
	rec = f.do(http.MethodPost, "/api/v1/files", body, map[string]string{"Content-Type": ct})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, ct = multipartBody(t, "nope", "a.txt", []byte("a"))
	rec = f.do(http.MethodPost, "/api/v1/files", body, map[string]string{"Content-Type": ct})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/files", strings.NewReader("{}"), map[string]string{"Content-Type": "application/json"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.files.uploadErr = common.ErrorAlreadyExists
	body, ct = multipartBody(t, "", "a.txt", []byte("a"))
	rec = f.do(http.MethodPost, "/api/v1/files", body, map[string]string{"Content-Type": ct})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDelete(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodDelete, "/api/v1/files/7", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []int64{7}, f.files.deleted)

	f.files.deleteErr = common.ErrorNotFound
	rec = f.do(http.MethodDelete, "/api/v1/files/8", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/v1/session", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"has_session":true}`, rec.Body.String())

	rec = f.do(http.MethodPost, "/api/v1/session/refresh", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"refreshed":true}`, rec.Body.String())

	f.sessions.refreshErr = common.ErrSessionNotFound
	rec = f.do(http.MethodPost, "/api/v1/session/refresh", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"connect your account first"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	f.do(http.MethodGet, "/api/v1/session", nil, nil)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `chanvault_http_requests_total{code="200",route="session_status"} 1`)
}

func TestWriteError(t *testing.T) {
	srv, err := New("", nil, nil, &config.Config{}, nopLogger{}, nil)
	require.NoError(t, err)

	tests := []struct {
		err        error
		status     int
		retryAfter string
		body       string
	}{
		{err: common.ErrSessionNotFound, status: http.StatusBadRequest, body: "connect your account first"},
		{err: common.ErrorUnauthorized, status: http.StatusForbidden},
		{err: common.ErrConnectionTimeout, status: http.StatusServiceUnavailable, retryAfter: "5"},
		{err: common.ErrStaleReference, status: http.StatusBadGateway},
		{err: common.ErrRangeNotSatisfiable, status: http.StatusRequestedRangeNotSatisfiable},
		{err: common.NewRateLimitedError(2500 * time.Millisecond), status: http.StatusTooManyRequests, retryAfter: "3"},
		{err: common.ErrorNotFound, status: http.StatusNotFound},
		{err: common.ErrorAlreadyExists, status: http.StatusConflict},
		{err: common.ErrInvalidToken, status: http.StatusUnauthorized},
		{err: errors.New("pq: password leaked"), status: http.StatusInternalServerError, body: "internal error"},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		srv.writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

		assert.Equal(t, tt.status, rec.Code, tt.err.Error())
		assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"), tt.err.Error())
		if tt.body != "" {
			assert.JSONEq(t, `{"error":"`+tt.body+`"}`, rec.Body.String())
		}
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	srv, err := New("127.0.0.1:0", nil, nil, &config.Config{}, nopLogger{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("server exited too early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRun_BadAddress(t *testing.T) {
	srv, err := New("127.0.0.1:99999", nil, nil, &config.Config{}, nopLogger{}, nil)
	require.NoError(t, err)
	assert.Error(t, srv.Run(context.Background()))
}
