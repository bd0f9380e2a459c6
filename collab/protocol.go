// Package collab is the synchronization core: it tracks connected sessions
// and the rooms they form around documents, relays deltas between room
// members and periodically persists document snapshots.
package collab

import (
	"context"
	"docsync-server/core"
	"docsync-server/metrics"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var (
	ErrRequestPending = errors.New("document request already pending")
	ErrNotAttached    = errors.New("not attached to a document")
	ErrSessionClosed  = errors.New("session closed")
	ErrUnknownSession = errors.New("unknown session")
	ErrOutboxFull     = errors.New("session outbox full")
)

// Client-facing error messages.
const (
	msgRequestPending     = "Document request already pending"
	msgNotAttached        = "Not attached to a document"
	msgStorageUnavailable = "Document storage is unavailable"
	msgOutboxFull         = "Too many undelivered messages, request the document again"
)

type Options struct {
	SaveInterval time.Duration
	SaveTimeout  time.Duration
	OutboxSize   int
}

// Attachment describes a successful document request.
type Attachment struct {
	DocumentID string
	Created    bool
	Members    int
}

// Protocol drives each session through Connected, AwaitingDocument,
// Attached and Closed, and is the only entry point transports use.
type Protocol struct {
	store        core.DocumentStore
	storeTimeout time.Duration
	registry     *Registry
	relay        *Relay
	scheduler    *Scheduler
	loads        singleflight.Group
}

func NewProtocol(store core.DocumentStore, opts Options) *Protocol {
	registry := NewRegistry(opts.OutboxSize)
	storeTimeout := opts.SaveTimeout
	if storeTimeout <= 0 {
		storeTimeout = DefaultSaveTimeout
	}
	return &Protocol{
		store:        store,
		storeTimeout: storeTimeout,
		registry:     registry,
		relay:        NewRelay(registry),
		scheduler:    NewScheduler(store, registry, opts.SaveInterval, opts.SaveTimeout),
	}
}

func (p *Protocol) Registry() *Registry {
	return p.registry
}

func (p *Protocol) Connect(peer Peer) SessionID {
	return p.registry.Connect(peer).ID()
}

// Request attaches the session to documentID, creating the document with
// default content if it does not exist, and queues load-document for it.
// Failures are also reported to the requester as an error message.
func (p *Protocol) Request(ctx context.Context, id SessionID, documentID string) (Attachment, error) {
	s, err := p.registry.Session(id)
	if err != nil {
		return Attachment{}, err
	}
	log := s.log.WithField("document_id", documentID)

	if err := core.ValidateDocumentID(documentID); err != nil {
		metrics.AttachTotal.WithLabelValues("invalid").Inc()
		s.sendError(ClientMessage(err))
		log.WithError(err).Debug("Rejected document request")
		return Attachment{}, err
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return Attachment{}, ErrSessionClosed
	case s.pending:
		s.mu.Unlock()
		metrics.AttachTotal.WithLabelValues("rejected").Inc()
		s.sendError(ClientMessage(ErrRequestPending))
		return Attachment{}, ErrRequestPending
	}
	s.pending = true
	s.mu.Unlock()

	content, created, err := p.loadOrCreate(ctx, documentID)
	if err != nil {
		s.mu.Lock()
		s.pending = false
		s.mu.Unlock()

		metrics.AttachTotal.WithLabelValues("unavailable").Inc()
		s.sendError(ClientMessage(err))
		log.WithError(err).Error("Failed to load document")
		return Attachment{}, err
	}

	members, err := p.registry.attach(s, documentID, content)
	if err != nil {
		if errors.Is(err, ErrOutboxFull) {
			metrics.AttachTotal.WithLabelValues("outbox_full").Inc()
			s.sendError(ClientMessage(err))
		}
		return Attachment{}, err
	}
	p.scheduler.Start(s)

	metrics.AttachTotal.WithLabelValues("ok").Inc()
	return Attachment{DocumentID: documentID, Created: created, Members: members}, nil
}

type loadResult struct {
	content core.Content
	created bool
}

// loadOrCreate coalesces concurrent first access to the same document. The
// shared call is not bound to any one caller's context; each caller stops
// waiting when its own ctx is done.
func (p *Protocol) loadOrCreate(ctx context.Context, documentID string) (core.Content, bool, error) {
	ch := p.loads.DoChan(documentID, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.storeTimeout)
		defer cancel()

		content, err := p.store.Load(ctx, documentID)
		if err == nil {
			return loadResult{content: content}, nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			return nil, core.Unavailable("load", err)
		}

		content, created, err := p.store.CreateDefault(ctx, documentID)
		if err != nil {
			return nil, core.Unavailable("create", err)
		}
		if created {
			metrics.DocumentsCreatedTotal.Inc()
		}
		return loadResult{content: content, created: created}, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, core.Unavailable("load", ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, false, r.Err
		}
		res := r.Val.(loadResult)
		return res.content.Clone(), res.created, nil
	}
}

// SubmitDelta relays delta to the other members of the session's room.
func (p *Protocol) SubmitDelta(id SessionID, delta core.Content) (int, error) {
	s, err := p.registry.Session(id)
	if err != nil {
		return 0, err
	}
	if len(delta) == 0 {
		err := fmt.Errorf("%w: delta is required", core.ErrInvalidRequest)
		s.sendError(ClientMessage(err))
		return 0, err
	}

	documentID := s.DocumentID()
	if documentID == "" {
		s.sendError(ClientMessage(ErrNotAttached))
		return 0, ErrNotAttached
	}

	n, err := p.relay.Relay(id, documentID, delta)
	if errors.Is(err, ErrNotAttached) {
		s.sendError(ClientMessage(err))
	}
	return n, err
}

// RequestSave records content as the session's latest snapshot. It is
// written by the next save tick.
func (p *Protocol) RequestSave(id SessionID, content core.Content) error {
	s, err := p.registry.Session(id)
	if err != nil {
		return err
	}
	if len(content) == 0 {
		err := fmt.Errorf("%w: content is required", core.ErrInvalidRequest)
		s.sendError(ClientMessage(err))
		return err
	}

	if err := s.recordSnapshot(content); err != nil {
		if errors.Is(err, ErrNotAttached) {
			s.sendError(ClientMessage(err))
		}
		return err
	}
	return nil
}

// RejectInvalid reports a malformed client payload to the session.
func (p *Protocol) RejectInvalid(id SessionID, err error) {
	if s, lookupErr := p.registry.Session(id); lookupErr == nil {
		s.sendError(ClientMessage(err))
	}
}

// Flush runs one save tick for the session immediately.
func (p *Protocol) Flush(ctx context.Context, id SessionID) error {
	return p.scheduler.Flush(ctx, id)
}

// Disconnect is legal in every state. Membership is removed and the save
// loop stopped before it returns; an unsaved snapshot is discarded.
func (p *Protocol) Disconnect(id SessionID) {
	s := p.registry.Disconnect(id)
	if s == nil {
		return
	}
	p.scheduler.Stop(s)
}

// Shutdown delivers what is already queued for every session (bounded by
// ctx), then disconnects them all.
func (p *Protocol) Shutdown(ctx context.Context) {
	ids := p.registry.sessionIDs()
	for _, id := range ids {
		s, err := p.registry.Session(id)
		if err != nil {
			continue
		}
		if err := s.drain(ctx); err != nil {
			s.log.WithError(err).Debug("Outbox not drained before shutdown")
		}
	}
	for _, id := range ids {
		p.Disconnect(id)
	}
	logrus.WithField("sessions", len(ids)).Info("Collaboration sessions closed")
}

// ClientMessage is the text shown to a client for err, in both error events
// and acknowledgements.
func ClientMessage(err error) string {
	switch {
	case errors.Is(err, core.ErrInvalidRequest):
		return strings.TrimPrefix(err.Error(), core.ErrInvalidRequest.Error()+": ")
	case errors.Is(err, ErrRequestPending):
		return msgRequestPending
	case errors.Is(err, ErrNotAttached):
		return msgNotAttached
	case errors.Is(err, ErrOutboxFull):
		return msgOutboxFull
	case errors.Is(err, core.ErrStorageUnavailable):
		return msgStorageUnavailable
	}
	return err.Error()
}
