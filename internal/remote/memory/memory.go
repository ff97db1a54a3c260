// Package memory is an in-process remote platform. It backs the "memory"
// remote backend for local development and serves as the double for every
// transfer test: it enforces page alignment, counts calls and can inject the
// platform failures the adapters are expected to surface.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/chanvault/internal/common"
	"github.com/dmitrijs2005/chanvault/internal/remote"
)

// DefaultQuantum is the page size used when none is configured.
const DefaultQuantum = remote.MaxPageSize

var ErrInvalidPage = errors.New("memory: misaligned page request")

type storedMessage struct {
	id       int64
	data     []byte
	mimeType string
	filename string
	token    string
}

type chat struct {
	title    string
	about    string
	nextID   int64
	messages map[int64]*storedMessage
}

// FetchCall records one FetchPage invocation.
type FetchCall struct {
	Offset int64
	Limit  int
}

// Platform holds all chats, staged upload parts and the knobs used by tests.
type Platform struct {
	quantum   int
	openLogin bool

	mu         sync.Mutex
	chats      map[int64]*chat
	nextChatID int64
	staged     map[int64]map[int][]byte
	authorized map[string]bool
	clients    []*Client
	tokenGen   int64
	fetchLog   []FetchCall

	connectErr  error
	connectHook func(ctx context.Context) error
	staleLeft   int
	rateLimit   time.Duration
	failPart    map[int]error
	partDelay   time.Duration

	dials       atomic.Int64
	connects    atomic.Int64
	disconnects atomic.Int64
	fetches     atomic.Int64
	parts       atomic.Int64
	assembles   atomic.Int64
	sends       atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

// Option customises a Platform.
type Option func(*Platform)

// WithQuantum sets the page size FetchPage requires offsets and limits to be
// multiples of.
func WithQuantum(q int) Option {
	return func(p *Platform) {
		if q > 0 {
			p.quantum = q
		}
	}
}

// WithOpenLogin accepts every non-empty session without Authorize. The
// development backend uses it so any linked session works.
func WithOpenLogin() Option {
	return func(p *Platform) {
		p.openLogin = true
	}
}

// New returns an empty platform.
func New(opts ...Option) *Platform {
	p := &Platform{
		quantum:    DefaultQuantum,
		chats:      make(map[int64]*chat),
		nextChatID: 1000,
		staged:     make(map[int64]map[int][]byte),
		authorized: make(map[string]bool),
		failPart:   make(map[int]error),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Quantum returns the configured page size.
func (p *Platform) Quantum() int { return p.quantum }

// Authorize marks session as accepted by the platform.
func (p *Platform) Authorize(session string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authorized[session] = true
}

// Revoke makes IsAuthorized report false for session.
func (p *Platform) Revoke(session string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.authorized, session)
}

// Factory returns a remote.Factory producing clients bound to this platform.
func (p *Platform) Factory() remote.Factory {
	return remote.FactoryFunc(func(session []byte) (remote.Client, error) {
		p.dials.Add(1)
		c := &Client{p: p, session: string(session)}
		p.mu.Lock()
		p.clients = append(p.clients, c)
		p.mu.Unlock()
		return c, nil
	})
}

// AddChat creates a chat and returns its id.
func (p *Platform) AddChat(title string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addChatLocked(title, "")
}

func (p *Platform) addChatLocked(title, about string) int64 {
	p.nextChatID++
	id := p.nextChatID
	p.chats[id] = &chat{title: title, about: about, messages: make(map[int64]*storedMessage)}
	return id
}

// PutDocument stores data as a document message in chatID, creating the chat
// if needed, and returns the message.
func (p *Platform) PutDocument(chatID int64, data []byte, mimeType, filename string) *remote.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.chats[chatID]
	if !ok {
		c = &chat{messages: make(map[int64]*storedMessage)}
		p.chats[chatID] = c
	}
	m := p.storeLocked(c, data, mimeType, filename)
	return toMessage(chatID, m)
}

func (p *Platform) storeLocked(c *chat, data []byte, mimeType, filename string) *storedMessage {
	c.nextID++
	m := &storedMessage{
		id:       c.nextID,
		data:     data,
		mimeType: mimeType,
		filename: filename,
		token:    p.newTokenLocked(),
	}
	c.messages[m.id] = m
	return m
}

func (p *Platform) newTokenLocked() string {
	p.tokenGen++
	suffix, err := common.MakeRandHexString(4)
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("ref-%d-%s", p.tokenGen, suffix)
}

// RotateReference invalidates the current token of a message; fetches using
// the old token fail with common.ErrStaleReference until the message is
// looked up again.
func (p *Platform) RotateReference(chatID, messageID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.chats[chatID]; ok {
		if m, ok := c.messages[messageID]; ok {
			m.token = p.newTokenLocked()
		}
	}
}

// FailStale makes the next n FetchPage calls report a stale reference.
func (p *Platform) FailStale(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.staleLeft = n
}

// SetConnectError makes Connect fail with err; nil clears it.
func (p *Platform) SetConnectError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
}

// SetConnectHook installs a function run at the start of every Connect.
func (p *Platform) SetConnectHook(fn func(ctx context.Context) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectHook = fn
}

// SetRateLimit makes UploadPart and SendFile answer with a RateLimitedError
// carrying wait. Zero clears it.
func (p *Platform) SetRateLimit(wait time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rateLimit = wait
}

// FailPart makes the upload of partIndex fail with err.
func (p *Platform) FailPart(partIndex int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failPart[partIndex] = err
}

// SetPartDelay slows every UploadPart down so tests can observe parallelism.
func (p *Platform) SetPartDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.partDelay = d
}

// DropConnections marks every client as disconnected, as a network blip would.
func (p *Platform) DropConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.connected.Store(false)
	}
}

// Content returns a copy of the stored bytes of a message.
func (p *Platform) Content(chatID, messageID int64) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.lookupLocked(chatID, messageID)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), m.data...), true
}

// ChatTitle reports the title of a chat.
func (p *Platform) ChatTitle(chatID int64) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.chats[chatID]
	if !ok {
		return "", false
	}
	return c.title, true
}

// FetchLog returns the FetchPage calls seen so far, ordered by offset.
func (p *Platform) FetchLog() []FetchCall {
	p.mu.Lock()
	out := append([]FetchCall(nil), p.fetchLog...)
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

func (p *Platform) Dials() int64       { return p.dials.Load() }
func (p *Platform) Connects() int64    { return p.connects.Load() }
func (p *Platform) Disconnects() int64 { return p.disconnects.Load() }
func (p *Platform) Fetches() int64     { return p.fetches.Load() }
func (p *Platform) Parts() int64       { return p.parts.Load() }
func (p *Platform) Assembles() int64   { return p.assembles.Load() }
func (p *Platform) Sends() int64       { return p.sends.Load() }

// MaxPartsInFlight is the highest number of concurrent UploadPart calls seen.
func (p *Platform) MaxPartsInFlight() int64 { return p.maxInFlight.Load() }

func (p *Platform) lookupLocked(chatID, messageID int64) (*storedMessage, bool) {
	c, ok := p.chats[chatID]
	if !ok {
		return nil, false
	}
	m, ok := c.messages[messageID]
	return m, ok
}

func toMessage(chatID int64, m *storedMessage) *remote.Message {
	return &remote.Message{
		ChatID: chatID,
		ID:     m.id,
		Media: &remote.Document{
			Ref:      remote.MediaRef{ChatID: chatID, MessageID: m.id, Token: m.token},
			Size:     int64(len(m.data)),
			MimeType: m.mimeType,
			Filename: m.filename,
		},
	}
}
