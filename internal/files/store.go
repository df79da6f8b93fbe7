// Package files stores patient-uploaded documents.
package files

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/meditriage/triage-platform/pkg/logging"
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store writes uploaded documents to S3 under a per-session prefix.
type Store struct {
	bucket   string
	s3Client S3API
	logger   *logging.Logger
}

// NewStore creates a document store. If bucket is empty, uploads are rejected.
func NewStore(s3Client S3API, bucket string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{bucket: bucket, s3Client: s3Client, logger: logger}
}

// Enabled reports whether document storage is configured.
func (s *Store) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

// Upload writes the document and returns its storage URL.
func (s *Store) Upload(ctx context.Context, sessionID, userID, filename string, data []byte) (string, error) {
	if !s.Enabled() {
		return "", fmt.Errorf("files: document storage not configured")
	}

	now := time.Now().UTC()
	key := fmt.Sprintf("uploads/%s/%s/%d-%s", userID, sessionID, now.UnixMilli(), path.Base(filename))

	contentType := http.DetectContentType(data)
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("files: s3 put %s: %w", key, err)
	}

	url := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	s.logger.Info("document uploaded",
		"session_id", sessionID,
		"user_id", userID,
		"filename", filename,
		"s3_key", key,
		"bytes", len(data),
	)
	return url, nil
}
