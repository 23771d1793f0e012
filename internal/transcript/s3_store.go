// Package transcript archives completed turn transcripts to S3-compatible
// object storage. Archiving is best-effort audit plumbing; the workflow
// never waits on it.
package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"reflectify/internal/reflect"
)

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type S3Archiver struct {
	client     *minio.Client
	bucketName string
	region     string
	initOnce   sync.Once
	initErr    error
}

var _ reflect.Archiver = (*S3Archiver)(nil)

func NewS3Archiver(cfg S3Config) (*S3Archiver, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return &S3Archiver{
		client:     client,
		bucketName: bucket,
		region:     region,
	}, nil
}

func (s *S3Archiver) ensureBucket(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("archiver is nil")
	}
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucketName)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

// Archive writes the transcript as JSON under <session_id>/<request_id>.json.
func (s *S3Archiver) Archive(ctx context.Context, t reflect.Transcript) error {
	if s == nil {
		return fmt.Errorf("archiver is nil")
	}
	key, err := ObjectKey(t)
	if err != nil {
		return err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	content, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return err
}

// ObjectKey derives the object path for a transcript.
func ObjectKey(t reflect.Transcript) (string, error) {
	requestID := strings.TrimSpace(t.RequestID)
	if requestID == "" {
		return "", fmt.Errorf("request_id is required")
	}
	sessionID := strings.TrimSpace(t.SessionID)
	if sessionID == "" {
		sessionID = "anonymous"
	}
	return sessionID + "/" + requestID + ".json", nil
}
