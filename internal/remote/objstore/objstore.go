// Package objstore implements remote.Client on top of an S3-compatible
// object store. Every user session names its own bucket and credentials;
// chats become key prefixes and messages become objects under them.
//
// Key layout:
//
//	chats/<chat>/.channel           channel marker (title/about in metadata)
//	chats/<chat>/messages/<msg>     document bytes
//	staging/<file>/<part>           uploaded parts until SendFile merges them
//
// A MediaRef token is the object's ETag; ranged reads are conditional on it,
// so an overwritten object surfaces as common.ErrStaleReference.
package objstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/dmitrijs2005/chanvault/internal/common"
	"github.com/dmitrijs2005/chanvault/internal/logging"
	"github.com/dmitrijs2005/chanvault/internal/remote"
)

// objectAPI is the subset of *s3.Client used by the adapter.
type objectAPI interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig
	newObjectAPI         = func(cfg aws.Config, optFns ...func(*s3.Options)) objectAPI {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// defaultBackoff is reported when a throttling response carries no hint.
const defaultBackoff = time.Second

var ErrInvalidSession = errors.New("objstore: invalid session blob")

// Session is the decrypted session blob understood by this adapter.
type Session struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty"`
	Bucket          string `json:"bucket"`
}

// ParseSession decodes and validates a session blob.
func ParseSession(blob []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if s.AccessKeyID == "" || s.SecretAccessKey == "" || s.Bucket == "" {
		return nil, fmt.Errorf("%w: access_key_id, secret_access_key and bucket are required", ErrInvalidSession)
	}
	return &s, nil
}

// Factory builds clients for one region/endpoint pair.
type Factory struct {
	Region       string
	BaseEndpoint string
	Logger       logging.Logger
}

var _ remote.Factory = (*Factory)(nil)

func (f *Factory) New(blob []byte) (remote.Client, error) {
	s, err := ParseSession(blob)
	if err != nil {
		return nil, err
	}
	return &Client{
		session:      *s,
		region:       f.Region,
		baseEndpoint: f.BaseEndpoint,
		logger:       f.Logger.With("module", "objstore", "bucket", s.Bucket),
	}, nil
}

// Client is a remote.Client backed by one bucket.
type Client struct {
	session      Session
	region       string
	baseEndpoint string
	logger       logging.Logger

	mu  sync.RWMutex
	api objectAPI
}

var _ remote.Client = (*Client)(nil)

func (c *Client) Connect(ctx context.Context) error {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(c.region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			c.session.AccessKeyID,
			c.session.SecretAccessKey,
			c.session.SessionToken,
		)),
	)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	api := newObjectAPI(cfg, func(o *s3.Options) {
		if c.baseEndpoint != "" {
			o.BaseEndpoint = aws.String(c.baseEndpoint)
			o.UsePathStyle = true
		}
	})

	c.mu.Lock()
	c.api = api
	c.mu.Unlock()
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.api != nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.api = nil
	c.mu.Unlock()
	return nil
}

func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	api, err := c.client()
	if err != nil {
		return false, err
	}
	_, err = api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.session.Bucket)})
	if err == nil {
		return true, nil
	}
	mapped := mapError(err)
	if errors.Is(mapped, common.ErrorUnauthorized) || errors.Is(mapped, common.ErrorNotFound) {
		return false, nil
	}
	return false, mapped
}

func (c *Client) FetchPage(ctx context.Context, ref remote.MediaRef, offset int64, limit int) ([]byte, error) {
	api, err := c.client()
	if err != nil {
		return nil, err
	}
	if offset < 0 || limit <= 0 || limit > remote.MaxPageSize {
		return nil, fmt.Errorf("objstore: invalid page offset=%d limit=%d", offset, limit)
	}

	out, err := api.GetObject(ctx, &s3.GetObjectInput{
		Bucket:  aws.String(c.session.Bucket),
		Key:     aws.String(messageKey(ref.ChatID, ref.MessageID)),
		Range:   aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+int64(limit)-1)),
		IfMatch: aws.String(ref.Token),
	})
	if err != nil {
		if apiCode(err) == "InvalidRange" {
			return []byte{}, nil
		}
		return nil, mapError(err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	return data, nil
}

func (c *Client) GetMessage(ctx context.Context, chatID, messageID int64) (*remote.Message, error) {
	api, err := c.client()
	if err != nil {
		return nil, err
	}
	out, err := api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.session.Bucket),
		Key:    aws.String(messageKey(chatID, messageID)),
	})
	if err != nil {
		return nil, mapError(err)
	}
	return &remote.Message{
		ChatID: chatID,
		ID:     messageID,
		Media: &remote.Document{
			Ref:      remote.MediaRef{ChatID: chatID, MessageID: messageID, Token: aws.ToString(out.ETag)},
			Size:     aws.ToInt64(out.ContentLength),
			MimeType: aws.ToString(out.ContentType),
			Filename: out.Metadata["filename"],
		},
	}, nil
}

func (c *Client) UploadPart(ctx context.Context, fileID int64, partIndex, totalParts int, data []byte) error {
	api, err := c.client()
	if err != nil {
		return err
	}
	if partIndex < 0 || partIndex >= totalParts {
		return fmt.Errorf("objstore: part %d out of range [0,%d)", partIndex, totalParts)
	}
	_, err = api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.session.Bucket),
		Key:           aws.String(partKey(fileID, partIndex)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	return mapError(err)
}

func (c *Client) AssembleBigFile(fileID int64, totalParts int, filename string) remote.InputFile {
	return remote.InputFile{FileID: fileID, TotalParts: totalParts, Name: filename}
}

// SendFile merges the staged parts of file into a new message object and
// removes the staging keys.
func (c *Client) SendFile(ctx context.Context, chatID int64, file remote.InputFile, attrs remote.FileAttributes) (*remote.Message, error) {
	api, err := c.client()
	if err != nil {
		return nil, err
	}
	if _, err := api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.session.Bucket),
		Key:    aws.String(channelKey(chatID)),
	}); err != nil {
		return nil, mapError(err)
	}

	var total int64
	for i := 0; i < file.TotalParts; i++ {
		head, err := api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(c.session.Bucket),
			Key:    aws.String(partKey(file.FileID, i)),
		})
		if err != nil {
			return nil, fmt.Errorf("part %d: %w", i, mapError(err))
		}
		total += aws.ToInt64(head.ContentLength)
	}

	messageID := newID()
	key := messageKey(chatID, messageID)
	name := attrs.Filename
	if name == "" {
		name = file.Name
	}

	c.logger.Info(ctx, "merging staged parts", "file_id", file.FileID, "parts", file.TotalParts, "key", key, "size", total)

	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < file.TotalParts; i++ {
			out, err := api.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(c.session.Bucket),
				Key:    aws.String(partKey(file.FileID, i)),
			})
			if err != nil {
				pw.CloseWithError(fmt.Errorf("get part %d: %w", i, mapError(err)))
				return
			}
			_, err = io.Copy(pw, out.Body)
			out.Body.Close()
			if err != nil {
				pw.CloseWithError(fmt.Errorf("copy part %d: %w", i, err))
				return
			}
		}
		pw.Close()
	}()

	put, err := api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.session.Bucket),
		Key:           aws.String(key),
		Body:          pr,
		ContentLength: aws.Int64(total),
		ContentType:   aws.String(attrs.MimeType),
		Metadata:      map[string]string{"filename": name},
	})
	if err != nil {
		pr.CloseWithError(err)
		return nil, mapError(err)
	}

	if err := c.deleteKeys(ctx, api, stagingKeys(file)); err != nil {
		c.logger.Warn(ctx, "failed to delete staged parts", "file_id", file.FileID, "error", err)
	}

	return &remote.Message{
		ChatID: chatID,
		ID:     messageID,
		Media: &remote.Document{
			Ref:      remote.MediaRef{ChatID: chatID, MessageID: messageID, Token: aws.ToString(put.ETag)},
			Size:     total,
			MimeType: attrs.MimeType,
			Filename: name,
		},
	}, nil
}

func (c *Client) DeleteMessages(ctx context.Context, chatID int64, ids []int64) error {
	api, err := c.client()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, messageKey(chatID, id))
	}
	return c.deleteKeys(ctx, api, keys)
}

func (c *Client) CreateChannel(ctx context.Context, title, about string) (int64, error) {
	api, err := c.client()
	if err != nil {
		return 0, err
	}
	chatID := newID()
	_, err = api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.session.Bucket),
		Key:           aws.String(channelKey(chatID)),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		Metadata:      map[string]string{"title": title, "about": about},
	})
	if err != nil {
		return 0, mapError(err)
	}
	c.logger.Info(ctx, "created storage channel", "chat_id", chatID, "title", title)
	return chatID, nil
}

func (c *Client) deleteKeys(ctx context.Context, api objectAPI, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	objects := make([]types.ObjectIdentifier, 0, len(keys))
	for _, k := range keys {
		objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
	}
	_, err := api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(c.session.Bucket),
		Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	return mapError(err)
}

func (c *Client) client() (objectAPI, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.api == nil {
		return nil, errors.New("objstore: client not connected")
	}
	return c.api, nil
}

func channelKey(chatID int64) string {
	return "chats/" + strconv.FormatInt(chatID, 10) + "/.channel"
}

func messageKey(chatID, messageID int64) string {
	return "chats/" + strconv.FormatInt(chatID, 10) + "/messages/" + strconv.FormatInt(messageID, 10)
}

func partKey(fileID int64, partIndex int) string {
	return fmt.Sprintf("staging/%d/%06d", fileID, partIndex)
}

func stagingKeys(file remote.InputFile) []string {
	keys := make([]string, 0, file.TotalParts)
	for i := 0; i < file.TotalParts; i++ {
		keys = append(keys, partKey(file.FileID, i))
	}
	return keys
}

// newID returns a positive random int64 taken from a v4 UUID.
func newID() int64 {
	u := uuid.New()
	return int64(binary.BigEndian.Uint64(u[:8]) >> 1)
}

func apiCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

type httpStatusError interface {
	HTTPStatusCode() int
}

// mapError translates S3 failures into the remote error set.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	switch apiCode(err) {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return fmt.Errorf("%w: %v", common.ErrorNotFound, err)
	case "PreconditionFailed":
		return fmt.Errorf("%w: %v", common.ErrStaleReference, err)
	case "SlowDown", "Throttling", "ThrottlingException", "TooManyRequests", "RequestLimitExceeded":
		return common.NewRateLimitedError(defaultBackoff)
	case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
		return fmt.Errorf("%w: %v", common.ErrorUnauthorized, err)
	}

	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", common.ErrorNotFound, err)
		case http.StatusPreconditionFailed:
			return fmt.Errorf("%w: %v", common.ErrStaleReference, err)
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			return common.NewRateLimitedError(defaultBackoff)
		case http.StatusForbidden, http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", common.ErrorUnauthorized, err)
		}
	}

	return fmt.Errorf("objstore: %w", err)
}
