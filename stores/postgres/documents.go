package postgres

import (
	"context"
	"database/sql"
	"docsync-server/core"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
)

type documentStore struct {
	db *sql.DB
}

// NewDocumentStore opens a pgx-backed pool and ensures the documents table.
func NewDocumentStore(ctx context.Context, databaseURL string) (core.DocumentStore, error) {
	if databaseURL == "" {
		return nil, errors.New("postgres: database url is required")
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	sts := `CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		content JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := db.ExecContext(ctx, sts); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	return &documentStore{db: db}, nil
}

func (s *documentStore) Load(ctx context.Context, id string) (core.Content, error) {
	log := logrus.WithField("document_id", id)

	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT content::text FROM documents WHERE id = $1", id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
		"INSERT INTO documents (id, content) VALUES ($1, $2::jsonb) ON CONFLICT (id) DO NOTHING",
		id, string(core.DefaultContent))
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, content, updated_at) VALUES ($1, $2::jsonb, now())
		ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at`,
		id, string(content))
	if err != nil {
		logrus.WithField("document_id", id).WithError(err).Error("Failed to save document")
		return core.Unavailable("save", err)
	}
	return nil
}

func (s *documentStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM documents ORDER BY id")
	if err != nil {
		return nil, core.Unavailable("list", err)
	}
	defer rows.Close()

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
