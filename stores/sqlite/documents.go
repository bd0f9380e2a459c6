package sqlite

import (
	"context"
	"database/sql"
	"docsync-server/core"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

type documentStore struct {
	db *sql.DB
}

func NewDocumentStore(dataSourceName string) (core.DocumentStore, error) {
	if dataSourceName == "" {
		dataSourceName = "docsync.db"
	}
	db, err := sql.Open("sqlite3", dataSourceName+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	sts := `CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		content BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(sts); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	return &documentStore{db}, nil
}

func (s *documentStore) Load(ctx context.Context, id string) (core.Content, error) {
	log := logrus.WithField("document_id", id)
	log.Debug("Retrieving document by ID")

	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT content FROM documents WHERE id = ?", id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("Document with specified ID not found")
			return nil, fmt.Errorf("document with id %s: %w", id, core.ErrNotFound)
		}
		log.WithError(err).Error("Failed to retrieve document")
		return nil, core.Unavailable("load", err)
	}
	return core.Content(data), nil
}

func (s *documentStore) CreateDefault(ctx context.Context, id string) (core.Content, bool, error) {
	log := logrus.WithField("document_id", id)

	result, err := s.db.ExecContext(ctx,
		"INSERT INTO documents (id, content, updated_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING",
		id, []byte(core.DefaultContent), time.Now().UnixMilli())
	if err != nil {
		log.WithError(err).Error("Failed to create document")
		return nil, false, core.Unavailable("create", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, core.Unavailable("create", err)
	}
	if rows == 0 {
		content, err := s.Load(ctx, id)
		return content, false, err
	}

	log.Info("Document created with default content")
	return core.DefaultContent.Clone(), true, nil
}

func (s *documentStore) Save(ctx context.Context, id string, content core.Content) error {
	log := logrus.WithFields(logrus.Fields{
		"document_id": id,
		"data_length": len(content),
	})

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO documents (id, content, updated_at) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at",
		id, []byte(content), time.Now().UnixMilli())
	if err != nil {
		log.WithError(err).Error("Failed to save document")
		return core.Unavailable("save", err)
	}

	log.Debug("Document saved successfully")
	return nil
}

func (s *documentStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM documents ORDER BY id")
	if err != nil {
		return nil, core.Unavailable("list", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close document rows")
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, core.Unavailable("list", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Unavailable("list", err)
	}
	return ids, nil
}

func (s *documentStore) Close() error {
	return s.db.Close()
}
