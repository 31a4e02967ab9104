package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// getGoogleClient initializes a Google Cloud Storage client
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	// Prefer ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
	// If you need to provide explicit JSON (e.g. locally), set GCS_CREDENTIALS_JSON.
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// GCSObjectStore writes uploaded source documents into a single bucket.
type GCSObjectStore struct {
	Client *storage.Client
	Bucket string
}

// NewGCSObjectStore returns ErrorStorageNotConfigured when GCS_BUCKET is unset.
func NewGCSObjectStore(ctx context.Context) (*GCSObjectStore, error) {
	bucketName := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
	if bucketName == "" {
		return nil, ErrorStorageNotConfigured
	}
	client, err := getGoogleClient(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := client.Bucket(bucketName).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("gcs bucket %q not found or not accessible: %v", bucketName, err)
	}
	return &GCSObjectStore{Client: client, Bucket: bucketName}, nil
}

// Put stores data under objectName and returns its gs:// URI.
// Objects are written with a DoesNotExist precondition; an existing object is kept.
func (s *GCSObjectStore) Put(ctx context.Context, objectName string, contentType string, data []byte) (string, error) {
	if s == nil || s.Client == nil {
		return "", ErrorStorageNotConfigured
	}
	wc := s.Client.Bucket(s.Bucket).Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return "", fmt.Errorf("write gcs object %q: %w", objectName, err)
	}
	if err := wc.Close(); err != nil {
		if !isPreconditionFailed(err) {
			return "", fmt.Errorf("finalize gcs object %q: %w", objectName, err)
		}
	}
	return fmt.Sprintf("gs://%s/%s", s.Bucket, objectName), nil
}

// Stat returns the object's attributes for a gs:// URI.
func (s *GCSObjectStore) Stat(ctx context.Context, uri string) (*storage.ObjectAttrs, error) {
	if s == nil || s.Client == nil {
		return nil, ErrorStorageNotConfigured
	}
	bucket, object, err := ParseGCSUri(uri)
	if err != nil {
		return nil, err
	}
	return s.Client.Bucket(bucket).Object(object).Attrs(ctx)
}

func (s *GCSObjectStore) Close() error {
	if s == nil || s.Client == nil {
		return nil
	}
	return s.Client.Close()
}

// ParseGCSUri splits gs://bucket/path/to/object.
func ParseGCSUri(uri string) (bucket string, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", errors.New("not a gs:// uri: " + uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", errors.New("gs uri must include bucket and object: " + uri)
	}
	return bucket, object, nil
}

func isPreconditionFailed(err error) bool {
	return err != nil && strings.Contains(err.Error(), "conditionNotMet")
}
