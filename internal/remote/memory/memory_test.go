package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/chanvault/internal/common"
	"github.com/dmitrijs2005/chanvault/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connected(t *testing.T, p *Platform, session string) remote.Client {
	t.Helper()
	p.Authorize(session)
	c, err := p.Factory().New([]byte(session))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestFetchPage_AlignmentAndEOF(t *testing.T) {
	p := New(WithQuantum(256))
	c := connected(t, p, "s1")
	ctx := context.Background()

	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}
	msg := p.PutDocument(7, data, "application/octet-stream", "a.bin")

	page, err := c.FetchPage(ctx, msg.Media.Ref, 768, 256)
	require.NoError(t, err)
	assert.Equal(t, data[768:], page)

	page, err = c.FetchPage(ctx, msg.Media.Ref, 1024, 256)
	require.NoError(t, err)
	assert.Empty(t, page)

	_, err = c.FetchPage(ctx, msg.Media.Ref, 100, 256)
	assert.ErrorIs(t, err, ErrInvalidPage)

	_, err = c.FetchPage(ctx, msg.Media.Ref, 0, 300)
	assert.ErrorIs(t, err, ErrInvalidPage)

	assert.Equal(t, []FetchCall{{768, 256}, {1024, 256}}, p.FetchLog())
}

func TestFetchPage_StaleAfterRotation(t *testing.T) {
	p := New(WithQuantum(256))
	c := connected(t, p, "s1")
	ctx := context.Background()
	msg := p.PutDocument(7, []byte("hello"), "text/plain", "h.txt")

	p.RotateReference(7, msg.ID)
	_, err := c.FetchPage(ctx, msg.Media.Ref, 0, 256)
	require.ErrorIs(t, err, common.ErrStaleReference)

	fresh, err := c.GetMessage(ctx, 7, msg.ID)
	require.NoError(t, err)
	page, err := c.FetchPage(ctx, fresh.Media.Ref, 0, 256)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(page))
}

func TestUploadAndSend(t *testing.T) {
	p := New()
	c := connected(t, p, "s1")
	ctx := context.Background()

	chatID, err := c.CreateChannel(ctx, "store", "about")
	require.NoError(t, err)
	title, ok := p.ChatTitle(chatID)
	require.True(t, ok)
	assert.Equal(t, "store", title)

	require.NoError(t, c.UploadPart(ctx, 42, 1, 2, []byte("world")))
	require.NoError(t, c.UploadPart(ctx, 42, 0, 2, []byte("hello ")))

	in := c.AssembleBigFile(42, 2, "greeting.txt")
	msg, err := c.SendFile(ctx, chatID, in, remote.FileAttributes{MimeType: "text/plain", ForceDocument: true})
	require.NoError(t, err)
	assert.Equal(t, int64(11), msg.Media.Size)
	assert.Equal(t, "greeting.txt", msg.Media.Filename)

	content, ok := p.Content(chatID, msg.ID)
	require.True(t, ok)
	assert.Equal(t, "hello world", string(content))
	assert.Equal(t, int64(2), p.Parts())
	assert.Equal(t, int64(1), p.Assembles())
	assert.Equal(t, int64(1), p.Sends())

	require.NoError(t, c.DeleteMessages(ctx, chatID, []int64{msg.ID}))
	_, err = c.GetMessage(ctx, chatID, msg.ID)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestSendFile_MissingParts(t *testing.T) {
	p := New()
	c := connected(t, p, "s1")
	ctx := context.Background()
	chatID := p.AddChat("x")

	require.NoError(t, c.UploadPart(ctx, 1, 0, 3, []byte("a")))
	_, err := c.SendFile(ctx, chatID, c.AssembleBigFile(1, 3, "f"), remote.FileAttributes{})
	assert.Error(t, err)
}

func TestFaults(t *testing.T) {
	p := New()
	c := connected(t, p, "s1")
	ctx := context.Background()

	p.SetRateLimit(3 * time.Second)
	err := c.UploadPart(ctx, 1, 0, 1, []byte("a"))
	rl, ok := common.AsRateLimited(err)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, rl.Wait)
	p.SetRateLimit(0)

	boom := errors.New("boom")
	p.FailPart(0, boom)
	assert.ErrorIs(t, c.UploadPart(ctx, 1, 0, 1, []byte("a")), boom)

	ok2, err := c.IsAuthorized(ctx)
	require.NoError(t, err)
	assert.True(t, ok2)
	p.Revoke("s1")
	ok2, err = c.IsAuthorized(ctx)
	require.NoError(t, err)
	assert.False(t, ok2)

	p.DropConnections()
	assert.False(t, c.IsConnected())
	_, err = c.GetMessage(ctx, 1, 1)
	assert.ErrorIs(t, err, ErrNotConnected)

	p.SetConnectError(boom)
	assert.ErrorIs(t, c.Connect(ctx), boom)
	assert.Equal(t, int64(1), p.Connects())
	assert.Equal(t, int64(1), p.Dials())
}

func TestOpenLogin(t *testing.T) {
	ctx := context.Background()
	p := New(WithOpenLogin())

	c, err := p.Factory().New([]byte("anything"))
	require.NoError(t, err)
	require.NoError(t, c.Connect(ctx))
	ok, err := c.IsAuthorized(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	empty, err := p.Factory().New(nil)
	require.NoError(t, err)
	require.NoError(t, empty.Connect(ctx))
	ok, err = empty.IsAuthorized(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
