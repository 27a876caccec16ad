package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// LinePrefix marks audit lines so they can be filtered out of mixed logs.
const LinePrefix = "AUDIT: "

// JSONLSink writes one prefixed JSON verdict per line.
type JSONLSink struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewJSONLSink writes to w, or stdout when w is nil.
func NewJSONLSink(w io.Writer) *JSONLSink {
	if w == nil {
		w = os.Stdout
	}
	return &JSONLSink{writer: w}
}

func (s *JSONLSink) Write(_ context.Context, v *contracts.Verdict) error {
	if v == nil {
		return contracts.NewAuditWriteError("", "nil verdict", nil)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return contracts.NewAuditWriteError(v.TraceID, "encode verdict", err)
	}

	line := make([]byte, 0, len(LinePrefix)+len(b)+1)
	line = append(line, LinePrefix...)
	line = append(line, b...)
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(line); err != nil {
		return contracts.NewAuditWriteError(v.TraceID, "write audit line", err)
	}
	return nil
}
