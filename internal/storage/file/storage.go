package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrFileNotFound is returned when an object does not exist in storage.
var ErrFileNotFound = errors.New("file not found")

// Storage provides an S3-compatible storage backend using MinIO.
// Uploaded documents and translation outputs live in one bucket under
// different key prefixes.
type Storage struct {
	client     *minio.Client
	bucketName string
}

// NewStorage creates a new Storage instance connected to the specified MinIO server.
// If the bucket does not exist, it will be created automatically.
func NewStorage(ctx context.Context, endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Storage{
		client:     client,
		bucketName: bucketName,
	}, nil
}

// Save uploads src under subdir/filename and returns the object key.
func (s *Storage) Save(ctx context.Context, subdir, filename string, src io.Reader) (string, error) {
	key, err := objectKey(subdir, filename)
	if err != nil {
		return "", err
	}

	_, err = s.client.PutObject(ctx, s.bucketName, key, src, -1, minio.PutObjectOptions{
		ContentType: contentType(filename),
	})
	if err != nil {
		return "", fmt.Errorf("failed to save file: %w", err)
	}

	return key, nil
}

// Load returns a reader for the object stored under key.
func (s *Storage) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to load file: %w", err)
	}

	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	return obj, nil
}

// Find returns the first object key starting with prefix.
func (s *Storage) Find(ctx context.Context, prefix string) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for obj := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return "", fmt.Errorf("failed to list files: %w", obj.Err)
		}
		return obj.Key, nil
	}

	return "", ErrFileNotFound
}

// Delete removes the object stored under key. Missing objects are not an error.
func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

// objectKey joins subdir and filename into a slash-separated key that cannot
// escape its prefix.
func objectKey(subdir, filename string) (string, error) {
	if filename == "" || strings.ContainsAny(filename, `/\`) {
		return "", fmt.Errorf("invalid filename %q", filename)
	}

	key := path.Join(subdir, filename)
	if !validKey(key) {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return key, nil
}

func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

func contentType(filename string) string {
	if strings.EqualFold(path.Ext(filename), ".pdf") {
		return "application/pdf"
	}
	return "application/octet-stream"
}
