package collab

import (
	"context"
	"docsync-server/core"
	"docsync-server/metrics"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultSaveInterval = 2 * time.Second
	DefaultSaveTimeout  = 5 * time.Second
)

// Scheduler persists each session's latest snapshot on a fixed interval.
// Only the newest snapshot is written; a failed save leaves it pending for
// the next tick. Snapshots still pending when a session disconnects are
// discarded, so at most one interval of edits can be lost.
type Scheduler struct {
	store    core.DocumentStore
	registry *Registry
	interval time.Duration
	timeout  time.Duration
}

func NewScheduler(store core.DocumentStore, registry *Registry, interval, timeout time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultSaveInterval
	}
	if timeout <= 0 {
		timeout = DefaultSaveTimeout
	}
	return &Scheduler{
		store:    store,
		registry: registry,
		interval: interval,
		timeout:  timeout,
	}
}

// Start runs the save loop for s unless one is already running.
func (sc *Scheduler) Start(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.saveCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.saveCancel = cancel
	s.saveDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(sc.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = sc.flush(ctx, s)
			}
		}
	}()
}

// Stop ends the save loop for s and waits for it to exit. An in-flight save
// is cancelled.
func (sc *Scheduler) Stop(s *Session) {
	s.mu.Lock()
	cancel, done := s.saveCancel, s.saveDone
	s.saveCancel, s.saveDone = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Flush runs one save tick for the session now.
func (sc *Scheduler) Flush(ctx context.Context, id SessionID) error {
	s, err := sc.registry.Session(id)
	if err != nil {
		return err
	}
	return sc.flush(ctx, s)
}

func (sc *Scheduler) flush(ctx context.Context, s *Session) error {
	documentID, content, seq, ok := s.pendingSnapshot()
	if !ok {
		return nil
	}

	saveCtx, cancel := context.WithTimeout(ctx, sc.timeout)
	defer cancel()

	log := s.log.WithFields(logrus.Fields{
		"document_id": documentID,
		"data_length": len(content),
	})

	start := time.Now()
	err := sc.store.Save(saveCtx, documentID, content)
	if err != nil && ctx.Err() != nil {
		log.WithError(err).Debug("Save abandoned, context done")
		return ctx.Err()
	}
	metrics.RecordSave(err, time.Since(start))

	if err != nil {
		log.WithError(err).Warn("Failed to save document, retrying next tick")
		return err
	}

	s.markSaved(seq)
	log.Debug("Document snapshot saved")
	return nil
}
