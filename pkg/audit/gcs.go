//go:build gcp

package audit

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// GCSArchive writes each verdict as a JSON object in Cloud Storage.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSArchive uses Application Default Credentials.
func NewGCSArchive(ctx context.Context, bucket, prefix string) (*GCSArchive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSArchive{client: client, bucket: bucket, prefix: prefix}, nil
}

func (a *GCSArchive) Write(ctx context.Context, v *contracts.Verdict) error {
	body, err := encodeArchived(v)
	if err != nil {
		return err
	}
	w := a.client.Bucket(a.bucket).Object(ObjectKey(a.prefix, v)).NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = map[string]string{"decision": string(v.Decision)}
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return contracts.NewAuditWriteError(v.TraceID, "gcs write", err)
	}
	if err := w.Close(); err != nil {
		return contracts.NewAuditWriteError(v.TraceID, "gcs close", err)
	}
	return nil
}

// Close releases the client.
func (a *GCSArchive) Close() error { return a.client.Close() }

func newGCSArchive(ctx context.Context, bucket, prefix string) (Sink, error) {
	a, err := NewGCSArchive(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	return a, nil
}
