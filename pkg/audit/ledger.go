package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/database"
)

// sqliteTime is fixed-width so stored timestamps compare correctly as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

const qInsert = `INSERT INTO audit_log (
	trace_id, timestamp, decision, reason, agent_id, amm_level,
	action_verb, action_resource, action_domain, action_parameters,
	semantic_ontology_match, semantic_amm_authorized, semantic_coverage,
	validator_results, total_latency_ms, is_certifiable, metadata
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS audit_log (
		id                      BIGSERIAL,
		trace_id                TEXT NOT NULL,
		timestamp               TIMESTAMPTZ NOT NULL,
		decision                TEXT NOT NULL,
		reason                  TEXT NOT NULL,
		agent_id                TEXT NOT NULL DEFAULT '',
		amm_level               SMALLINT NOT NULL,
		action_verb             TEXT NOT NULL,
		action_resource         TEXT NOT NULL,
		action_domain           TEXT NOT NULL,
		action_parameters       JSONB NOT NULL,
		semantic_ontology_match BOOLEAN NOT NULL,
		semantic_amm_authorized BOOLEAN NOT NULL,
		semantic_coverage       DOUBLE PRECISION NOT NULL,
		validator_results       JSONB NOT NULL,
		total_latency_ms        DOUBLE PRECISION NOT NULL,
		is_certifiable          BOOLEAN NOT NULL,
		metadata                JSONB NOT NULL DEFAULT '{}',
		PRIMARY KEY (id, timestamp)
	)`,
	`CREATE INDEX IF NOT EXISTS audit_log_timestamp_idx ON audit_log (timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS audit_log_trace_idx ON audit_log (trace_id)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS audit_log (
		id                      INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id                TEXT NOT NULL,
		timestamp               TEXT NOT NULL,
		decision                TEXT NOT NULL,
		reason                  TEXT NOT NULL,
		agent_id                TEXT NOT NULL DEFAULT '',
		amm_level               INTEGER NOT NULL,
		action_verb             TEXT NOT NULL,
		action_resource         TEXT NOT NULL,
		action_domain           TEXT NOT NULL,
		action_parameters       TEXT NOT NULL,
		semantic_ontology_match BOOLEAN NOT NULL,
		semantic_amm_authorized BOOLEAN NOT NULL,
		semantic_coverage       REAL NOT NULL,
		validator_results       TEXT NOT NULL,
		total_latency_ms        REAL NOT NULL,
		is_certifiable          BOOLEAN NOT NULL,
		metadata                TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS audit_log_timestamp_idx ON audit_log (timestamp)`,
	`CREATE INDEX IF NOT EXISTS audit_log_trace_idx ON audit_log (trace_id)`,
}

// SQLLedger appends verdicts to the audit_log table. Rows are never updated.
type SQLLedger struct {
	db      *sql.DB
	dialect database.Dialect
	logger  *slog.Logger
}

// NewSQLLedger wraps an open database handle.
func NewSQLLedger(db *sql.DB, dialect database.Dialect) *SQLLedger {
	return &SQLLedger{
		db:      db,
		dialect: dialect,
		logger:  slog.Default().With("component", "audit"),
	}
}

// Migrate creates the audit_log table and its indexes.
func (l *SQLLedger) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if l.dialect == database.SQLite {
		schema = sqliteSchema
	}
	for _, stmt := range schema {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate audit schema: %w", err)
		}
	}
	return nil
}

type ledgerMetadata struct {
	Signature      string  `json:"signature,omitempty"`
	SemanticReason string  `json:"semantic_reason,omitempty"`
	Confidence     float64 `json:"confidence"`
}

// Write inserts one row per verdict.
func (l *SQLLedger) Write(ctx context.Context, v *contracts.Verdict) error {
	if l == nil || l.db == nil {
		return contracts.NewAuditWriteError(traceOf(v), "Audit ledger not connected", nil)
	}
	if v == nil {
		return contracts.NewAuditWriteError("", "nil verdict", nil)
	}

	params, err := json.Marshal(nonNilParams(v.Action.Parameters))
	if err != nil {
		return contracts.NewAuditWriteError(v.TraceID, "encode action parameters", err)
	}
	results := v.ValidatorResults
	if results == nil {
		results = []contracts.ValidatorResult{}
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return contracts.NewAuditWriteError(v.TraceID, "encode validator results", err)
	}
	meta, err := json.Marshal(ledgerMetadata{
		Signature:      v.Signature,
		SemanticReason: v.SemanticVerdict.Reason,
		Confidence:     v.Action.Confidence,
	})
	if err != nil {
		return contracts.NewAuditWriteError(v.TraceID, "encode metadata", err)
	}

	_, err = l.db.ExecContext(ctx, l.dialect.Rebind(qInsert),
		v.TraceID,
		timeArg(l.dialect, v.Timestamp),
		string(v.Decision),
		v.Reason,
		v.AgentID,
		int(v.AuthorityLevel),
		v.Action.Verb,
		v.Action.Resource,
		v.Action.Domain,
		string(params),
		v.SemanticVerdict.OntologyMatch,
		v.SemanticVerdict.AuthorityAuthorized,
		v.SemanticVerdict.Coverage,
		string(resultsJSON),
		v.TotalLatencyMs,
		v.IsCertifiable(),
		string(meta),
	)
	if err != nil {
		l.logger.ErrorContext(ctx, "audit write failed", "trace_id", v.TraceID, "error", err)
		return contracts.NewAuditWriteError(v.TraceID, "insert audit_log", err)
	}

	l.logger.InfoContext(ctx, "audit written",
		"trace_id", v.TraceID,
		"decision", v.Decision,
		"is_certifiable", v.IsCertifiable(),
	)
	return nil
}

func timeArg(d database.Dialect, t time.Time) any {
	if d == database.SQLite {
		return t.UTC().Format(sqliteTime)
	}
	return t.UTC()
}

func nonNilParams(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}

func traceOf(v *contracts.Verdict) string {
	if v == nil {
		return ""
	}
	return v.TraceID
}
