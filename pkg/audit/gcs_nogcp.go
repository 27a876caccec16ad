//go:build !gcp

package audit

import (
	"context"
	"fmt"
)

func newGCSArchive(context.Context, string, string) (Sink, error) {
	return nil, fmt.Errorf("GCS archive is not enabled in this build (use -tags gcp)")
}
