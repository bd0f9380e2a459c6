package memory

import (
	"context"
	"docsync-server/core"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

type documentStore struct {
	mu        sync.RWMutex
	documents map[string]core.Content
}

func NewDocumentStore() core.DocumentStore {
	return &documentStore{
		documents: make(map[string]core.Content),
	}
}

func (s *documentStore) Load(ctx context.Context, id string) (core.Content, error) {
	log := logrus.WithField("document_id", id)

	s.mu.RLock()
	content, ok := s.documents[id]
	s.mu.RUnlock()

	if !ok {
		log.Debug("Document with specified ID not found")
		return nil, fmt.Errorf("document with id %s: %w", id, core.ErrNotFound)
	}

	log.Debug("Document retrieved successfully")
	return content.Clone(), nil
}

func (s *documentStore) CreateDefault(ctx context.Context, id string) (core.Content, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.documents[id]; ok {
		return existing.Clone(), false, nil
	}

	s.documents[id] = core.DefaultContent.Clone()
	logrus.WithField("document_id", id).Info("Document created with default content")
	return core.DefaultContent.Clone(), true, nil
}

func (s *documentStore) Save(ctx context.Context, id string, content core.Content) error {
	if err := ctx.Err(); err != nil {
		return core.Unavailable("save", err)
	}

	s.mu.Lock()
	s.documents[id] = content.Clone()
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"document_id": id,
		"data_length": len(content),
	}).Debug("Document saved successfully")
	return nil
}

func (s *documentStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.documents))
	for id := range s.documents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *documentStore) Close() error {
	return nil
}
