package aws

import (
	"bytes"
	"context"
	"docsync-server/core"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
)

const recordExt = ".json"

// s3API is the subset of *s3.Client the store uses.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// s3Store keeps one "<id>.json" record object per document. Default creation
// is serialized in-process only; several servers sharing a bucket may race.
type s3Store struct {
	client s3API
	bucket string

	createMu sync.Mutex
}

// NewDocumentStore creates an S3-backed store using the default AWS config chain.
func NewDocumentStore(ctx context.Context, bucketName string) (core.DocumentStore, error) {
	if bucketName == "" {
		return nil, errors.New("s3: bucket name is required")
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newStore(s3.NewFromConfig(cfg), bucketName), nil
}

func newStore(client s3API, bucket string) *s3Store {
	return &s3Store{client: client, bucket: bucket}
}

func (s *s3Store) key(id string) (string, error) {
	if err := core.ValidateDocumentID(id); err != nil {
		return "", err
	}
	return id + recordExt, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func (s *s3Store) Load(ctx context.Context, id string) (core.Content, error) {
	key, err := s.key(id)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("document with id %s: %w", id, core.ErrNotFound)
		}
		logrus.WithField("document_id", id).WithError(err).Error("Failed to get document object")
		return nil, core.Unavailable("load", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.Unavailable("read", err)
	}
	content, err := core.DecodeRecord(data)
	if err != nil {
		return nil, core.Unavailable("decode", err)
	}
	return content, nil
}

func (s *s3Store) CreateDefault(ctx context.Context, id string) (core.Content, bool, error) {
	key, err := s.key(id)
	if err != nil {
		return nil, false, err
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		content, err := s.Load(ctx, id)
		return content, false, err
	}
	if !isNotFound(err) {
		return nil, false, core.Unavailable("create", err)
	}

	if err := s.put(ctx, id, key, core.DefaultContent); err != nil {
		return nil, false, err
	}
	logrus.WithField("document_id", id).Info("Document created with default content")
	return core.DefaultContent.Clone(), true, nil
}

func (s *s3Store) Save(ctx context.Context, id string, content core.Content) error {
	key, err := s.key(id)
	if err != nil {
		return err
	}
	return s.put(ctx, id, key, content)
}

func (s *s3Store) put(ctx context.Context, id, key string, content core.Content) error {
	data, err := core.EncodeRecord(id, content)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidRequest, err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		logrus.WithField("document_id", id).WithError(err).Error("Failed to upload document")
		return core.Unavailable("save", err)
	}
	return nil
}

func (s *s3Store) List(ctx context.Context) ([]string, error) {
	var ids []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, core.Unavailable("list", err)
		}
		for _, object := range page.Contents {
			name := aws.ToString(object.Key)
			if strings.HasSuffix(name, recordExt) {
				ids = append(ids, strings.TrimSuffix(name, recordExt))
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *s3Store) Close() error {
	return nil
}
