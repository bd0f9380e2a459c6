package collab

import (
	"context"
	"docsync-server/core"
	"docsync-server/metrics"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// Server to client events.
const (
	EventLoadDocument   = "load-document"
	EventReceiveChanges = "receive-changes"
	EventError          = "error"
)

// DefaultOutboxSize is the number of undelivered messages a session buffers.
const DefaultOutboxSize = 256

type SessionID string

func NewSessionID() SessionID {
	return SessionID(ulid.Make().String())
}

type State int

const (
	StateConnected State = iota
	StateAwaitingDocument
	StateAttached
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAwaitingDocument:
		return "awaiting-document"
	case StateAttached:
		return "attached"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Peer delivers server events to one client connection.
type Peer interface {
	Emit(event string, payload any) error
}

// envelope is one queued outbound message. gen ties it to an attachment; a
// message whose gen no longer matches the session's is dropped. gen 0 is
// not tied to any attachment.
type envelope struct {
	gen     uint64
	event   string
	payload any
	ack     chan struct{}
}

// Session is one connected client. Outbound messages go through a bounded
// queue drained by a single writer goroutine.
type Session struct {
	id     SessionID
	peer   Peer
	outbox chan envelope
	done   chan struct{}
	log    *logrus.Entry

	// emitMu is held by the writer around each delivery.
	emitMu sync.Mutex

	mu         sync.Mutex
	closed     bool
	pending    bool
	documentID string
	generation uint64

	snapshot      core.Content
	snapshotDocID string
	snapshotSeq   uint64
	dirty         bool

	saveCancel context.CancelFunc
	saveDone   chan struct{}
}

func newSession(peer Peer, outboxSize int) *Session {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	id := NewSessionID()
	s := &Session{
		id:     id,
		peer:   peer,
		outbox: make(chan envelope, outboxSize),
		done:   make(chan struct{}),
		log:    logrus.WithField("session_id", id),
	}
	go s.writeLoop()
	return s
}

func (s *Session) ID() SessionID {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	switch {
	case s.closed:
		return StateClosed
	case s.pending:
		return StateAwaitingDocument
	case s.documentID != "":
		return StateAttached
	}
	return StateConnected
}

// DocumentID returns the attached document, or "" when not attached.
func (s *Session) DocumentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentID
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case env := <-s.outbox:
			if env.ack != nil {
				close(env.ack)
				continue
			}
			s.deliver(env)
		}
	}
}

func (s *Session) deliver(env envelope) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if !s.current(env.gen) {
		return
	}
	if err := s.peer.Emit(env.event, env.payload); err != nil {
		s.log.WithError(err).WithField("event", env.event).Warn("Failed to deliver message")
		if env.event == EventReceiveChanges {
			metrics.DeltaDeliveryFailuresTotal.Inc()
		}
	}
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	return gen == 0 || (gen == s.generation && s.documentID != "")
}

// enqueue never blocks; it reports false if the outbox is full or closed.
func (s *Session) enqueue(env envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbox <- env:
		return true
	default:
		return false
	}
}

func (s *Session) sendError(message string) {
	if !s.enqueue(envelope{event: EventError, payload: message}) {
		s.log.WithField("message", message).Warn("Dropped error message, outbox full")
	}
}

// barrier waits for an in-flight delivery to finish. Deliveries that start
// afterwards observe the session's current generation and state.
func (s *Session) barrier() {
	s.emitMu.Lock()
	s.emitMu.Unlock()
}

// drain waits until every message queued before the call has been handled.
func (s *Session) drain(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case s.outbox <- envelope{ack: ack}:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recordSnapshot keeps content as the latest unsaved state of the attached
// document.
func (s *Session) recordSnapshot(content core.Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.documentID == "" {
		return ErrNotAttached
	}
	s.snapshot = content
	s.snapshotDocID = s.documentID
	s.snapshotSeq++
	s.dirty = true
	return nil
}

// pendingSnapshot returns the dirty snapshot, if any, with its sequence.
func (s *Session) pendingSnapshot() (docID string, content core.Content, seq uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty || s.closed {
		return "", nil, 0, false
	}
	return s.snapshotDocID, s.snapshot, s.snapshotSeq, true
}

// markSaved clears dirty unless a newer snapshot arrived meanwhile.
func (s *Session) markSaved(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshotSeq == seq {
		s.dirty = false
	}
}

// close moves the session to Closed and returns the document it was
// attached to. ok is false if it was already closed. A closed session's
// document never changes.
func (s *Session) close() (documentID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false
	}
	s.closed = true
	s.pending = false
	s.dirty = false
	s.snapshot = nil
	return s.documentID, true
}
