package audit

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/database"
)

func sqliteLedger(t *testing.T) (*SQLLedger, *sql.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.SQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l := NewSQLLedger(db, database.SQLite)
	require.NoError(t, l.Migrate(ctx))
	return l, db
}

func TestSQLLedger_SQLiteRoundTrip(t *testing.T) {
	l, db := sqliteLedger(t)
	ctx := context.Background()

	v := verdict("trace-1", contracts.DecisionAllow, 42)
	require.NoError(t, l.Write(ctx, v))

	var (
		decision, verb, params, results, meta string
		level                                 int
		certifiable                           bool
		coverage                              float64
	)
	err := db.QueryRowContext(ctx, `SELECT decision, action_verb, amm_level, action_parameters, validator_results, metadata, is_certifiable, semantic_coverage FROM audit_log WHERE trace_id = ?`, "trace-1").
		Scan(&decision, &verb, &level, &params, &results, &meta, &certifiable, &coverage)
	require.NoError(t, err)

	assert.Equal(t, "ALLOW", decision)
	assert.Equal(t, "reroute_flight", verb)
	assert.Equal(t, 3, level)
	assert.JSONEq(t, `{"current_fuel_kg":6000}`, params)
	assert.Contains(t, results, "FuelReserveValidator")
	assert.Contains(t, meta, "ed25519:k1:abcd")
	assert.True(t, certifiable)
	assert.Equal(t, 1.0, coverage)
}

func TestSQLLedger_NotConnected(t *testing.T) {
	var l *SQLLedger
	err := l.Write(context.Background(), verdict("x", contracts.DecisionAllow, 1))
	var we *contracts.AuditWriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "Audit ledger not connected", we.Reason)
}

func TestSQLLedger_PostgresInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewSQLLedger(db, database.Postgres)
	v := verdict("pg-1", contracts.DecisionDeny, 12)

	insert := regexp.QuoteMeta(`VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`)
	mock.ExpectExec(insert).
		WithArgs("pg-1", fixedTime, "DENY", "test", "agent-7", 3,
			"reroute_flight", "flight:IB3202", "aviation", sqlmock.AnyArg(),
			true, true, 1.0, sqlmock.AnyArg(), 12.0, false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, l.Write(context.Background(), v))

	mock.ExpectExec(insert).WillReturnError(errors.New("connection reset"))
	err = l.Write(context.Background(), v)
	var we *contracts.AuditWriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "pg-1", we.TraceID)
	assert.ErrorContains(t, err, "connection reset")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMetrics_SQLite(t *testing.T) {
	l, db := sqliteLedger(t)
	ctx := context.Background()
	now := fixedTime.Add(time.Hour)

	write := func(trace string, d contracts.Decision, latency float64, level contracts.AuthorityLevel, at time.Time) {
		v := verdict(trace, d, latency)
		v.AuthorityLevel = level
		v.Timestamp = at
		require.NoError(t, l.Write(ctx, v))
	}
	write("a", contracts.DecisionAllow, 10, contracts.ActionableAgency, fixedTime)
	write("b", contracts.DecisionAllow, 20, contracts.ActionableAgency, fixedTime)
	write("c", contracts.DecisionDeny, 30, contracts.AutonomousOrchestration, fixedTime)
	write("d", contracts.DecisionEscalate, 40, contracts.ActionableAgency, fixedTime)
	// Outside every window.
	write("old", contracts.DecisionDeny, 9000, contracts.ActionableAgency, fixedTime.Add(-72*time.Hour))

	m := NewMetrics(db, database.SQLite).WithClock(func() time.Time { return now })

	d, err := m.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), d.ActionsLast24h)
	assert.Equal(t, 25.0, d.AvgLatency24h)
	assert.Equal(t, 25.0, d.DenyRatePct)
	assert.Equal(t, int64(1), d.OpenIncidents)
	// Only the two ALLOWs are certifiable.
	assert.Equal(t, 50.0, d.CertifiableRatePct)

	p95, err := m.MTTV(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, 38.5, p95)

	_, err = m.MTTV(ctx, 0)
	assert.Error(t, err)

	rate, err := m.PassRate(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 50.0, rate)

	rate, err = m.PassRate(ctx, contracts.ActionableAgency)
	require.NoError(t, err)
	assert.Equal(t, 66.67, rate)

	rate, err = m.PassRate(ctx, contracts.FullSystemicAutonomy)
	require.NoError(t, err)
	assert.Equal(t, 0.0, rate)
}

func TestMetrics_EmptyLedger(t *testing.T) {
	_, db := sqliteLedger(t)
	m := NewMetrics(db, database.SQLite)

	d, err := m.Dashboard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Dashboard{}, d)

	p95, err := m.MTTV(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, p95)
}

func TestMetrics_PostgresMTTV(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := fixedTime
	m := NewMetrics(db, database.Postgres).WithClock(func() time.Time { return now })

	mock.ExpectQuery(regexp.QuoteMeta(`PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY total_latency_ms) FROM audit_log WHERE timestamp > $1`)).
		WithArgs(now.Add(-6 * time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"p95"}).AddRow(123.456))

	p95, err := m.MTTV(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, 123.46, p95)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPercentileCont(t *testing.T) {
	tests := []struct {
		xs   []float64
		p    float64
		want float64
	}{
		{nil, 0.95, 0},
		{[]float64{7}, 0.95, 7},
		{[]float64{40, 10, 30, 20}, 0.95, 38.5},
		{[]float64{1, 2, 3, 4, 5}, 0.5, 3},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, percentileCont(tt.xs, tt.p), 1e-9)
	}
}
