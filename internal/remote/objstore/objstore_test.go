package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/chanvault/internal/common"
	"github.com/dmitrijs2005/chanvault/internal/logging"
	"github.com/dmitrijs2005/chanvault/internal/remote"
)

type nopLogger struct{}

func (nopLogger) Debug(context.Context, string, ...any) {}
func (nopLogger) Info(context.Context, string, ...any)  {}
func (nopLogger) Warn(context.Context, string, ...any)  {}
func (nopLogger) Error(context.Context, string, ...any) {}
func (l nopLogger) With(...any) logging.Logger          { return l }

type object struct {
	data     []byte
	etag     string
	mimeType string
	meta     map[string]string
}

// fakeS3 keeps objects of a single bucket in memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]*object
	gen     int
	headErr error
	putErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]*object)}
}

func notFound() error {
	return &smithy.GenericAPIError{Code: "NoSuchKey", Message: "not found"}
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFound"}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(o.data))),
		ContentType:   aws.String(o.mimeType),
		ETag:          aws.String(o.etag),
		Metadata:      o.meta,
	}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, notFound()
	}
	if in.IfMatch != nil && aws.ToString(in.IfMatch) != o.etag {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed"}
	}
	data := o.data
	if in.Range != nil {
		var from, to int64
		_, err := fmt.Sscanf(aws.ToString(in.Range), "bytes=%d-%d", &from, &to)
		if err != nil {
			return nil, err
		}
		if from >= int64(len(data)) {
			return nil, &smithy.GenericAPIError{Code: "InvalidRange"}
		}
		to = min(to+1, int64(len(data)))
		data = data[from:to]
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gen++
	etag := `"` + strconv.Itoa(f.gen) + `"`
	f.objects[aws.ToString(in.Key)] = &object{data: data, etag: etag, mimeType: aws.ToString(in.ContentType), meta: in.Metadata}
	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range in.Delete.Objects {
		delete(f.objects, aws.ToString(o.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) keys(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

const sessionBlob = `{"access_key_id":"AK","secret_access_key":"SK","bucket":"vault"}`

func connectedClient(t *testing.T, fake *fakeS3) *Client {
	t.Helper()

	origLoad, origNew := loadDefaultAWSConfig, newObjectAPI
	t.Cleanup(func() {
		loadDefaultAWSConfig = origLoad
		newObjectAPI = origNew
	})
	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var lo awsconfig.LoadOptions
		for _, fn := range optFns {
			require.NoError(t, fn(&lo))
		}
		assert.Equal(t, "eu-central-1", lo.Region)
		return aws.Config{}, nil
	}
	newObjectAPI = func(cfg aws.Config, optFns ...func(*s3.Options)) objectAPI {
		var opts s3.Options
		for _, fn := range optFns {
			fn(&opts)
		}
		assert.Equal(t, "http://127.0.0.1:9000", aws.ToString(opts.BaseEndpoint))
		assert.True(t, opts.UsePathStyle)
		return fake
	}

	f := &Factory{Region: "eu-central-1", BaseEndpoint: "http://127.0.0.1:9000", Logger: nopLogger{}}
	rc, err := f.New([]byte(sessionBlob))
	require.NoError(t, err)
	require.False(t, rc.IsConnected())
	require.NoError(t, rc.Connect(context.Background()))
	require.True(t, rc.IsConnected())
	return rc.(*Client)
}

func TestParseSession(t *testing.T) {
	s, err := ParseSession([]byte(sessionBlob))
	require.NoError(t, err)
	assert.Equal(t, "vault", s.Bucket)

	_, err = ParseSession([]byte(`{"bucket":"x"}`))
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = ParseSession([]byte(`nope`))
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestConnect_LoadConfigError(t *testing.T) {
	origLoad := loadDefaultAWSConfig
	t.Cleanup(func() { loadDefaultAWSConfig = origLoad })
	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("no config")
	}

	rc, err := (&Factory{Logger: nopLogger{}}).New([]byte(sessionBlob))
	require.NoError(t, err)
	require.Error(t, rc.Connect(context.Background()))
	assert.False(t, rc.IsConnected())
}

func TestUploadSendFetchDelete(t *testing.T) {
	fake := newFakeS3()
	c := connectedClient(t, fake)
	ctx := context.Background()

	chatID, err := c.CreateChannel(ctx, "chanvault", "storage")
	require.NoError(t, err)
	require.Positive(t, chatID)

	require.NoError(t, c.UploadPart(ctx, 9, 0, 2, []byte("hello ")))
	require.NoError(t, c.UploadPart(ctx, 9, 1, 2, []byte("world")))
	assert.Len(t, fake.keys("staging/9/"), 2)

	msg, err := c.SendFile(ctx, chatID, c.AssembleBigFile(9, 2, "greet.txt"), remote.FileAttributes{MimeType: "text/plain"})
	require.NoError(t, err)
	assert.Equal(t, int64(11), msg.Media.Size)
	assert.Empty(t, fake.keys("staging/"), "staged parts are removed after merge")

	got, err := c.GetMessage(ctx, chatID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "greet.txt", got.Media.Filename)
	assert.Equal(t, "text/plain", got.Media.MimeType)
	assert.Equal(t, msg.Media.Ref, got.Media.Ref)

	page, err := c.FetchPage(ctx, got.Media.Ref, 4096, 4096)
	require.NoError(t, err)
	assert.Empty(t, page)

	page, err = c.FetchPage(ctx, got.Media.Ref, 0, 4096)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(page))

	require.NoError(t, c.DeleteMessages(ctx, chatID, []int64{msg.ID}))
	_, err = c.GetMessage(ctx, chatID, msg.ID)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestFetchPage_StaleToken(t *testing.T) {
	fake := newFakeS3()
	c := connectedClient(t, fake)
	ctx := context.Background()

	chatID, err := c.CreateChannel(ctx, "c", "")
	require.NoError(t, err)
	require.NoError(t, c.UploadPart(ctx, 1, 0, 1, []byte("abc")))
	msg, err := c.SendFile(ctx, chatID, c.AssembleBigFile(1, 1, "a"), remote.FileAttributes{})
	require.NoError(t, err)

	ref := msg.Media.Ref
	ref.Token = `"stale"`
	_, err = c.FetchPage(ctx, ref, 0, 4096)
	assert.ErrorIs(t, err, common.ErrStaleReference)
}

func TestSendFile_UnknownChat(t *testing.T) {
	c := connectedClient(t, newFakeS3())
	_, err := c.SendFile(context.Background(), 1, remote.InputFile{FileID: 1, TotalParts: 1}, remote.FileAttributes{})
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestIsAuthorized(t *testing.T) {
	fake := newFakeS3()
	c := connectedClient(t, fake)
	ctx := context.Background()

	ok, err := c.IsAuthorized(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	fake.headErr = &smithy.GenericAPIError{Code: "AccessDenied"}
	ok, err = c.IsAuthorized(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	fake.headErr = errors.New("dial tcp: refused")
	_, err = c.IsAuthorized(ctx)
	assert.Error(t, err)
}

func TestDisconnect(t *testing.T) {
	c := connectedClient(t, newFakeS3())
	require.NoError(t, c.Disconnect(context.Background()))
	assert.False(t, c.IsConnected())
	_, err := c.GetMessage(context.Background(), 1, 1)
	assert.Error(t, err)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"NoSuchKey", common.ErrorNotFound},
		{"PreconditionFailed", common.ErrStaleReference},
		{"InvalidAccessKeyId", common.ErrorUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := mapError(&smithy.GenericAPIError{Code: tt.code})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	rl, ok := common.AsRateLimited(mapError(&smithy.GenericAPIError{Code: "SlowDown"}))
	require.True(t, ok)
	assert.Equal(t, defaultBackoff, rl.Wait)

	assert.NoError(t, mapError(nil))
	assert.Error(t, mapError(errors.New("other")))
}
