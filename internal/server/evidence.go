package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

const maxEvidenceBytes = 10 << 20

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// BlobStore persists uploaded evidence files.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	// URL returns the public address of key; base is the server's own origin.
	URL(key, base string) string
}

// evidenceKey derives a unique, path-safe object key for an upload.
func evidenceKey(filename string) string {
	name := unsafeName.ReplaceAllString(filepath.Base(filename), "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "evidence"
	}
	return uuid.NewString() + "_" + name
}

// readEvidence reads at most maxEvidenceBytes.
func readEvidence(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxEvidenceBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxEvidenceBytes {
		return nil, fmt.Errorf("evidence file exceeds %d bytes: invalid upload", maxEvidenceBytes)
	}
	return data, nil
}

// LocalBlobs stores evidence in a directory served under /evidence/.
type LocalBlobs struct {
	Dir string
}

func (b LocalBlobs) Put(_ context.Context, key, _ string, data []byte) error {
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(b.Dir, key), data, 0o644)
}

func (b LocalBlobs) URL(key, base string) string {
	return strings.TrimRight(base, "/") + "/evidence/" + key
}

// Open returns a stored file, refusing keys that would leave Dir.
func (b LocalBlobs) Open(key string) (*os.File, error) {
	if key != filepath.Base(key) || strings.HasPrefix(key, ".") {
		return nil, os.ErrNotExist
	}
	return os.Open(filepath.Join(b.Dir, key))
}

// S3Blobs stores evidence in an S3 bucket.
type S3Blobs struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Blobs loads the default AWS configuration chain.
func NewS3Blobs(ctx context.Context, bucket string) (*S3Blobs, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Blobs{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: "evidence/"}, nil
}

func (b *S3Blobs) Put(ctx context.Context, key, contentType string, data []byte) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.prefix + key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

func (b *S3Blobs) URL(key, _ string) string {
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s%s", b.bucket, b.prefix, key)
}
