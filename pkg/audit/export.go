package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrStoreNotConfigured is returned when export runs without a chain store.
	ErrStoreNotConfigured = errors.New("audit: store not configured (fail-closed)")
)

// ExportRequest bounds an evidence pack by recorded time.
type ExportRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Exporter builds zipped evidence packs from a ChainStore.
type Exporter struct {
	store *ChainStore
	clock func() time.Time
}

func NewExporter(s *ChainStore) *Exporter {
	return &Exporter{store: s, clock: time.Now}
}

// GeneratePack returns a zip holding the chain entries, a manifest and a
// README, plus the hex sha256 of the zip.
func (e *Exporter) GeneratePack(_ context.Context, req ExportRequest) ([]byte, string, error) {
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}
	if e.store == nil {
		return nil, "", ErrStoreNotConfigured
	}
	if err := e.store.VerifyChain(); err != nil {
		return nil, "", fmt.Errorf("audit: refusing to export: %w", err)
	}

	entries := e.store.Range(req.StartTime, req.EndTime)
	entriesJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal entries: %w", err)
	}

	now := e.clock().UTC()
	manifest := map[string]any{
		"generated_at": now,
		"entry_count":  len(entries),
		"chain_head":   e.store.Head(),
		"period": map[string]any{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	files := []struct {
		name string
		body []byte
	}{
		{"verdicts.json", entriesJSON},
		{"manifest.json", manifestJSON},
		{"README.txt", []byte(fmt.Sprintf("Verdict evidence pack\nGenerated at %s\n", now.Format(time.RFC3339)))},
	}
	for _, f := range files {
		fw, err := w.Create(f.name)
		if err != nil {
			return nil, "", fmt.Errorf("audit: create %s: %w", f.name, err)
		}
		if _, err := fw.Write(f.body); err != nil {
			return nil, "", fmt.Errorf("audit: write %s: %w", f.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("audit: close pack: %w", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}
