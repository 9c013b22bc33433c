package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// FileStore is the narrow contract the engine relies on for staging
// spreadsheets and rendered documents. The engine never interprets blob
// contents beyond what the import parser reads.
type FileStore interface {
	AddFile(ctx context.Context, name string, contentType string, data []byte) (url string, err error)
	GetFile(ctx context.Context, url string) ([]byte, error)
	DeleteFile(ctx context.Context, url string) error
}

// GCSFileStore stores blobs in a Google Cloud Storage bucket.
type GCSFileStore struct {
	Bucket string
}

func NewGCSFileStore() *GCSFileStore {
	return &GCSFileStore{Bucket: os.Getenv("GCS_BUCKET")}
}

// getGoogleClient initializes a Google Cloud Storage client.
// Prefer ADC (service account / GOOGLE_APPLICATION_CREDENTIALS).
// If you need explicit JSON (e.g. locally), set GCS_CREDENTIALS_JSON.
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		client, err := storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (s *GCSFileStore) AddFile(ctx context.Context, name string, contentType string, data []byte) (string, error) {
	if s.Bucket == "" {
		return "", errors.New("GCS_BUCKET is required")
	}

	client, err := getGoogleClient(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	objectName := GenerateUniqueFilename() + "_" + name
	wc := client.Bucket(s.Bucket).Object(objectName).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(data); err != nil {
		return "", err
	}
	if err := wc.Close(); err != nil {
		return "", err
	}

	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.Bucket, objectName), nil
}

func (s *GCSFileStore) GetFile(ctx context.Context, url string) ([]byte, error) {
	objectName, err := s.objectName(url)
	if err != nil {
		return nil, err
	}

	client, err := getGoogleClient(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	rc, err := client.Bucket(s.Bucket).Object(objectName).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return io.ReadAll(rc)
}

func (s *GCSFileStore) DeleteFile(ctx context.Context, url string) error {
	objectName, err := s.objectName(url)
	if err != nil {
		return err
	}

	client, err := getGoogleClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	return client.Bucket(s.Bucket).Object(objectName).Delete(ctx)
}

func (s *GCSFileStore) objectName(url string) (string, error) {
	prefix := fmt.Sprintf("https://storage.googleapis.com/%s/", s.Bucket)
	if !strings.HasPrefix(url, prefix) {
		return "", fmt.Errorf("url %q does not belong to bucket %q", url, s.Bucket)
	}
	return strings.TrimPrefix(url, prefix), nil
}

// MailSender delivers a rendered document to recipients. Delivery happens
// only after a render; it is never part of allocation logic.
type MailSender interface {
	Send(ctx context.Context, to []string, subject string, body string, attachmentName string, attachment []byte) error
}

// NoopMailSender is the default sender when SMTP is not configured.
type NoopMailSender struct{}

func (NoopMailSender) Send(ctx context.Context, to []string, subject string, body string, attachmentName string, attachment []byte) error {
	return nil
}
