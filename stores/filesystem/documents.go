package filesystem

import (
	"context"
	"docsync-server/core"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const recordExt = ".json"

// documentStore keeps one JSON record file per document. Writes go to a
// temp file first; creation links it into place (fails if the target
// exists) and saves rename it over the target, so readers never observe a
// partial file.
type documentStore struct {
	basePath string
}

func NewDocumentStore(basePath string) (core.DocumentStore, error) {
	if basePath == "" {
		basePath = "./data"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, err
	}
	return &documentStore{basePath: abs}, nil
}

func (s *documentStore) path(id string) (string, error) {
	if err := core.ValidateDocumentID(id); err != nil {
		return "", err
	}
	p := filepath.Join(s.basePath, id+recordExt)
	if filepath.Dir(p) != s.basePath {
		return "", fmt.Errorf("%w: invalid path for document %q", core.ErrInvalidRequest, id)
	}
	return p, nil
}

func (s *documentStore) Load(ctx context.Context, id string) (core.Content, error) {
	filePath, err := s.path(id)
	if err != nil {
		return nil, err
	}
	log := logrus.WithFields(logrus.Fields{"document_id": id, "file_path": filePath})

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug("Document with specified ID not found")
			return nil, fmt.Errorf("document with id %s: %w", id, core.ErrNotFound)
		}
		log.WithError(err).Error("Failed to retrieve document")
		return nil, core.Unavailable("load", err)
	}

	content, err := core.DecodeRecord(data)
	if err != nil {
		log.WithError(err).Error("Failed to decode document record")
		return nil, core.Unavailable("decode", err)
	}
	return content, nil
}

func (s *documentStore) CreateDefault(ctx context.Context, id string) (core.Content, bool, error) {
	filePath, err := s.path(id)
	if err != nil {
		return nil, false, err
	}
	log := logrus.WithFields(logrus.Fields{"document_id": id, "file_path": filePath})

	tmp, err := s.writeTemp(id, core.DefaultContent)
	if err != nil {
		log.WithError(err).Error("Failed to stage document")
		return nil, false, core.Unavailable("create", err)
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, filePath); err != nil {
		if errors.Is(err, os.ErrExist) {
			content, loadErr := s.Load(ctx, id)
			return content, false, loadErr
		}
		log.WithError(err).Error("Failed to create document")
		return nil, false, core.Unavailable("create", err)
	}

	log.Info("Document created with default content")
	return core.DefaultContent.Clone(), true, nil
}

func (s *documentStore) Save(ctx context.Context, id string, content core.Content) error {
	filePath, err := s.path(id)
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{"document_id": id, "file_path": filePath})

	tmp, err := s.writeTemp(id, content)
	if err != nil {
		log.WithError(err).Error("Failed to stage document")
		return core.Unavailable("save", err)
	}

	if err := os.Rename(tmp, filePath); err != nil {
		_ = os.Remove(tmp)
		log.WithError(err).Error("Failed to replace document")
		return core.Unavailable("save", err)
	}

	log.WithField("data_length", len(content)).Debug("Document saved successfully")
	return nil
}

func (s *documentStore) writeTemp(id string, content core.Content) (string, error) {
	data, err := core.EncodeRecord(id, content)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(s.basePath, ".tmp-*")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (s *documentStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, core.Unavailable("list", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".tmp-") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, recordExt))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *documentStore) Close() error {
	return nil
}
