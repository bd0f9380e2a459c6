package collab

import (
	"context"
	"docsync-server/core"
	"docsync-server/stores/memory"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type message struct {
	event   string
	payload any
}

// recordingPeer captures everything emitted to one client.
type recordingPeer struct {
	mu       sync.Mutex
	messages []message
	gate     chan struct{}
	err      error
}

func (p *recordingPeer) Emit(event string, payload any) error {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message{event: event, payload: payload})
	return p.err
}

func (p *recordingPeer) events(name string) []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []message
	for _, m := range p.messages {
		if m.event == name {
			out = append(out, m)
		}
	}
	return out
}

func (p *recordingPeer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func payloadString(t *testing.T, m message) string {
	t.Helper()
	switch v := m.payload.(type) {
	case core.Content:
		return string(v)
	case string:
		return v
	}
	t.Fatalf("unexpected payload type %T", m.payload)
	return ""
}

// faultyStore wraps the memory store with injectable failures and hooks.
type faultyStore struct {
	core.DocumentStore

	loadErr     atomic.Value // error
	saveFails   atomic.Int32
	creates     atomic.Int32
	loadStarted chan struct{}
	loadGate    chan struct{}
	onSave      func()
}

func newFaultyStore() *faultyStore {
	return &faultyStore{DocumentStore: memory.NewDocumentStore()}
}

func (f *faultyStore) Load(ctx context.Context, id string) (core.Content, error) {
	if f.loadStarted != nil {
		select {
		case f.loadStarted <- struct{}{}:
		default:
		}
	}
	if f.loadGate != nil {
		<-f.loadGate
	}
	if err, ok := f.loadErr.Load().(error); ok && err != nil {
		return nil, err
	}
	return f.DocumentStore.Load(ctx, id)
}

func (f *faultyStore) CreateDefault(ctx context.Context, id string) (core.Content, bool, error) {
	content, created, err := f.DocumentStore.CreateDefault(ctx, id)
	if created {
		f.creates.Add(1)
	}
	return content, created, err
}

func (f *faultyStore) Save(ctx context.Context, id string, content core.Content) error {
	if f.onSave != nil {
		f.onSave()
	}
	if f.saveFails.Load() > 0 {
		f.saveFails.Add(-1)
		return core.Unavailable("save", errors.New("disk on fire"))
	}
	return f.DocumentStore.Save(ctx, id, content)
}

func (f *faultyStore) failLoads(err error) {
	f.loadErr.Store(err)
}

// newTestProtocol uses an interval long enough that only explicit Flush
// calls save.
func newTestProtocol(t *testing.T, store core.DocumentStore) *Protocol {
	t.Helper()
	p := NewProtocol(store, Options{SaveInterval: time.Hour, OutboxSize: 64})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})
	return p
}

func connect(t *testing.T, p *Protocol) (SessionID, *recordingPeer) {
	t.Helper()
	peer := &recordingPeer{}
	return p.Connect(peer), peer
}

func attach(t *testing.T, p *Protocol, id SessionID, documentID string) Attachment {
	t.Helper()
	a, err := p.Request(context.Background(), id, documentID)
	if err != nil {
		t.Fatalf("Request(%s) failed: %v", documentID, err)
	}
	return a
}

// settle waits until each session's writer has handled everything queued.
func settle(t *testing.T, p *Protocol, ids ...SessionID) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, id := range ids {
		s, err := p.registry.Session(id)
		if err != nil {
			continue
		}
		if err := s.drain(ctx); err != nil {
			t.Fatalf("drain(%s) failed: %v", id, err)
		}
	}
}

// stalledSession registers a session with no writer, so its outbox only
// empties when the test reads from it.
func stalledSession(r *Registry, outboxSize int) *Session {
	id := NewSessionID()
	s := &Session{
		id:     id,
		peer:   &recordingPeer{},
		outbox: make(chan envelope, outboxSize),
		done:   make(chan struct{}),
		log:    logrus.WithField("session_id", id),
	}
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s
}
