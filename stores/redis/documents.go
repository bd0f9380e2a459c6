package redis

import (
	"context"
	"docsync-server/core"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "document:"

// documentStore keeps each record as a JSON string value under
// "document:<id>". SETNX makes default creation exclusive across processes.
type documentStore struct {
	client *redis.Client
	prefix string
}

func NewDocumentStore(redisURL string) (core.DocumentStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewDocumentStoreWithClient(client), nil
}

// NewDocumentStoreWithClient wraps an existing client; Close closes it.
func NewDocumentStoreWithClient(client *redis.Client) core.DocumentStore {
	return &documentStore{client: client, prefix: keyPrefix}
}

func (s *documentStore) key(id string) string {
	return s.prefix + id
}

func (s *documentStore) Load(ctx context.Context, id string) (core.Content, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("document with id %s: %w", id, core.ErrNotFound)
		}
		logrus.WithField("document_id", id).WithError(err).Error("Failed to retrieve document")
		return nil, core.Unavailable("load", err)
	}

	content, err := core.DecodeRecord(data)
	if err != nil {
		return nil, core.Unavailable("decode", err)
	}
	return content, nil
}

func (s *documentStore) CreateDefault(ctx context.Context, id string) (core.Content, bool, error) {
	log := logrus.WithField("document_id", id)

	data, err := core.EncodeRecord(id, core.DefaultContent)
	if err != nil {
		return nil, false, err
	}

	ok, err := s.client.SetNX(ctx, s.key(id), data, 0).Result()
	if err != nil {
		log.WithError(err).Error("Failed to create document")
		return nil, false, core.Unavailable("create", err)
	}
	if !ok {
		content, err := s.Load(ctx, id)
		return content, false, err
	}

	log.Info("Document created with default content")
	return core.DefaultContent.Clone(), true, nil
}

func (s *documentStore) Save(ctx context.Context, id string, content core.Content) error {
	data, err := core.EncodeRecord(id, content)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidRequest, err)
	}
	if err := s.client.Set(ctx, s.key(id), data, 0).Err(); err != nil {
		logrus.WithField("document_id", id).WithError(err).Error("Failed to save document")
		return core.Unavailable("save", err)
	}
	return nil
}

func (s *documentStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, core.Unavailable("list", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *documentStore) Close() error {
	return s.client.Close()
}
