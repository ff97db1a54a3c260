// Package media caches the metadata of stored documents so that ranged reads
// of the same file do not look the message up again on every request.
package media

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dmitrijs2005/chanvault/internal/common"
	"github.com/dmitrijs2005/chanvault/internal/logging"
	"github.com/dmitrijs2005/chanvault/internal/remote"
	"github.com/dmitrijs2005/chanvault/internal/server/metrics"
	"github.com/dmitrijs2005/chanvault/internal/server/models"
)

// ClientSource hands out the remote client of a user; the connection pool
// satisfies it.
type ClientSource interface {
	Get(ctx context.Context, userID int64) (remote.Client, error)
}

type key struct {
	userID    int64
	chatID    int64
	messageID int64
}

// Cache is a TTL + LRU cache of MediaHandle keyed by (user, chat, message).
type Cache struct {
	clients ClientSource
	ttl     time.Duration
	logger  logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	lru     *expirable.LRU[key, models.MediaHandle]
}

func New(clients ClientSource, ttl time.Duration, capacity int, logger logging.Logger, m *metrics.Metrics) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		clients: clients,
		ttl:     ttl,
		logger:  logger.With("module", "media"),
		metrics: m,
		now:     time.Now,
		lru:     expirable.NewLRU[key, models.MediaHandle](capacity, nil, ttl),
	}
}

// Resolve returns the handle of the document attached to the message. A
// cached handle is used while it is younger than the TTL unless forceRefresh
// is set. Messages without a document yield common.ErrorNotFound.
func (c *Cache) Resolve(ctx context.Context, userID, chatID, messageID int64, forceRefresh bool) (*models.MediaHandle, error) {
	k := key{userID: userID, chatID: chatID, messageID: messageID}

	if !forceRefresh {
		if h, ok := c.lookup(k); ok {
			c.metrics.CacheLookup(true)
			return h, nil
		}
	}
	c.metrics.CacheLookup(false)

	client, err := c.clients.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	msg, err := client.GetMessage(ctx, chatID, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil || msg.Media == nil {
		c.Invalidate(userID, chatID, messageID)
		return nil, common.ErrorNotFound
	}

	h := models.MediaHandle{
		Ref:      msg.Media.Ref,
		Size:     msg.Media.Size,
		MimeType: msg.Media.MimeType,
		Filename: msg.Media.Filename,
		CachedAt: c.now(),
	}
	c.store(k, h)
	c.logger.Debug(ctx, "media handle resolved", "user_id", userID, "chat_id", chatID, "message_id", messageID, "forced", forceRefresh)
	return &h, nil
}

// Invalidate drops the cached handle of one message.
func (c *Cache) Invalidate(userID, chatID, messageID int64) {
	c.lru.Remove(key{userID: userID, chatID: chatID, messageID: messageID})
}

// Len returns the number of cached handles.
func (c *Cache) Len() int {
	return c.lru.Len()
}

func (c *Cache) lookup(k key) (*models.MediaHandle, bool) {
	h, ok := c.lru.Get(k)
	if !ok {
		return nil, false
	}
	if c.now().Sub(h.CachedAt) >= c.ttl {
		c.lru.Remove(k)
		return nil, false
	}
	return &h, true
}

func (c *Cache) store(k key, h models.MediaHandle) {
	c.lru.Add(k, h)
}
