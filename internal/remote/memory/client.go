package memory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/chanvault/internal/common"
	"github.com/dmitrijs2005/chanvault/internal/remote"
)

var ErrNotConnected = errors.New("memory: client not connected")

// Client is a remote.Client bound to a Platform.
type Client struct {
	p         *Platform
	session   string
	connected atomic.Bool
}

var _ remote.Client = (*Client)(nil)

func (c *Client) Connect(ctx context.Context) error {
	c.p.mu.Lock()
	hook, connectErr := c.p.connectHook, c.p.connectErr
	c.p.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if connectErr != nil {
		return connectErr
	}
	c.p.connects.Add(1)
	c.connected.Store(true)
	return nil
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Disconnect(ctx context.Context) error {
	if c.connected.Swap(false) {
		c.p.disconnects.Add(1)
	}
	return nil
}

func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	if !c.IsConnected() {
		return false, ErrNotConnected
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.p.authorized[c.session] || (c.p.openLogin && c.session != ""), nil
}

func (c *Client) FetchPage(ctx context.Context, ref remote.MediaRef, offset int64, limit int) ([]byte, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	q := int64(c.p.quantum)
	if offset < 0 || offset%q != 0 || limit <= 0 || int64(limit)%q != 0 || limit > remote.MaxPageSize {
		return nil, fmt.Errorf("%w: offset=%d limit=%d", ErrInvalidPage, offset, limit)
	}

	c.p.fetches.Add(1)
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.p.fetchLog = append(c.p.fetchLog, FetchCall{Offset: offset, Limit: limit})

	if c.p.staleLeft > 0 {
		c.p.staleLeft--
		return nil, common.ErrStaleReference
	}

	m, ok := c.p.lookupLocked(ref.ChatID, ref.MessageID)
	if !ok {
		return nil, common.ErrorNotFound
	}
	if m.token != ref.Token {
		return nil, common.ErrStaleReference
	}

	size := int64(len(m.data))
	if offset >= size {
		return []byte{}, nil
	}
	end := min(offset+int64(limit), size)
	return append([]byte(nil), m.data[offset:end]...), nil
}

func (c *Client) GetMessage(ctx context.Context, chatID, messageID int64) (*remote.Message, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	m, ok := c.p.lookupLocked(chatID, messageID)
	if !ok {
		return nil, common.ErrorNotFound
	}
	return toMessage(chatID, m), nil
}

func (c *Client) UploadPart(ctx context.Context, fileID int64, partIndex, totalParts int, data []byte) error {
	if err := c.ready(ctx); err != nil {
		return err
	}

	n := c.p.inFlight.Add(1)
	defer c.p.inFlight.Add(-1)
	for {
		cur := c.p.maxInFlight.Load()
		if n <= cur || c.p.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	c.p.mu.Lock()
	delay, wait, failErr := c.p.partDelay, c.p.rateLimit, c.p.failPart[partIndex]
	c.p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if wait > 0 {
		return common.NewRateLimitedError(wait)
	}
	if failErr != nil {
		return failErr
	}
	if partIndex < 0 || partIndex >= totalParts {
		return fmt.Errorf("memory: part %d out of range [0,%d)", partIndex, totalParts)
	}

	c.p.parts.Add(1)
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	parts, ok := c.p.staged[fileID]
	if !ok {
		parts = make(map[int][]byte, totalParts)
		c.p.staged[fileID] = parts
	}
	parts[partIndex] = append([]byte(nil), data...)
	return nil
}

func (c *Client) AssembleBigFile(fileID int64, totalParts int, filename string) remote.InputFile {
	c.p.assembles.Add(1)
	return remote.InputFile{FileID: fileID, TotalParts: totalParts, Name: filename}
}

func (c *Client) SendFile(ctx context.Context, chatID int64, file remote.InputFile, attrs remote.FileAttributes) (*remote.Message, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}

	c.p.mu.Lock()
	defer c.p.mu.Unlock()

	if c.p.rateLimit > 0 {
		return nil, common.NewRateLimitedError(c.p.rateLimit)
	}
	ch, ok := c.p.chats[chatID]
	if !ok {
		return nil, common.ErrorNotFound
	}
	parts := c.p.staged[file.FileID]
	if len(parts) != file.TotalParts {
		return nil, fmt.Errorf("memory: file %d has %d of %d parts", file.FileID, len(parts), file.TotalParts)
	}

	var data []byte
	for i := 0; i < file.TotalParts; i++ {
		part, ok := parts[i]
		if !ok {
			return nil, fmt.Errorf("memory: file %d missing part %d", file.FileID, i)
		}
		data = append(data, part...)
	}
	delete(c.p.staged, file.FileID)

	c.p.sends.Add(1)
	name := attrs.Filename
	if name == "" {
		name = file.Name
	}
	m := c.p.storeLocked(ch, data, attrs.MimeType, name)
	return toMessage(chatID, m), nil
}

func (c *Client) DeleteMessages(ctx context.Context, chatID int64, ids []int64) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	ch, ok := c.p.chats[chatID]
	if !ok {
		return common.ErrorNotFound
	}
	for _, id := range ids {
		delete(ch.messages, id)
	}
	return nil
}

func (c *Client) CreateChannel(ctx context.Context, title, about string) (int64, error) {
	if err := c.ready(ctx); err != nil {
		return 0, err
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.p.addChatLocked(title, about), nil
}

func (c *Client) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}
