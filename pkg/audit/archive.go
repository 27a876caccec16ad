package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// ArchiveConfig selects an object store for verdict archives. Bucket is a
// URL such as s3://audit-verdicts or gs://audit-verdicts.
type ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string // S3-compatible endpoint (MinIO, LocalStack)
	Prefix   string
}

// ObjectKey is the archive path of a verdict: verdicts/<date>/<trace>.json
// under prefix, dated by the verdict timestamp in UTC.
func ObjectKey(prefix string, v *contracts.Verdict) string {
	return fmt.Sprintf("%sverdicts/%s/%s.json", prefix, v.Timestamp.UTC().Format("2006-01-02"), v.TraceID)
}

// NewArchive builds the archive sink named by cfg.Bucket's scheme.
func NewArchive(ctx context.Context, cfg ArchiveConfig) (Sink, error) {
	scheme, bucket, ok := strings.Cut(cfg.Bucket, "://")
	if !ok || bucket == "" {
		return nil, fmt.Errorf("archive bucket %q: want s3://name or gs://name", cfg.Bucket)
	}
	switch scheme {
	case "s3":
		a, err := NewS3Archive(ctx, S3Config{Bucket: bucket, Region: cfg.Region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
		if err != nil {
			return nil, err
		}
		return a, nil
	case "gs":
		return newGCSArchive(ctx, bucket, cfg.Prefix)
	default:
		return nil, fmt.Errorf("archive bucket %q: unsupported scheme %q", cfg.Bucket, scheme)
	}
}

func encodeArchived(v *contracts.Verdict) ([]byte, error) {
	if v == nil {
		return nil, contracts.NewAuditWriteError("", "nil verdict", nil)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, contracts.NewAuditWriteError(v.TraceID, "encode verdict", err)
	}
	return b, nil
}
