package audit

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/database"
)

const (
	qDashboard = `SELECT
	COUNT(*),
	AVG(total_latency_ms),
	SUM(CASE WHEN decision = 'DENY' THEN 1 ELSE 0 END),
	SUM(CASE WHEN decision = 'ESCALATE' THEN 1 ELSE 0 END),
	SUM(CASE WHEN is_certifiable THEN 1 ELSE 0 END)
FROM audit_log WHERE timestamp > ?`

	qMTTVPostgres = `SELECT PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY total_latency_ms) FROM audit_log WHERE timestamp > ?`
	qLatencies    = `SELECT total_latency_ms FROM audit_log WHERE timestamp > ?`

	qPassRate        = `SELECT COUNT(*), SUM(CASE WHEN decision = 'ALLOW' THEN 1 ELSE 0 END) FROM audit_log WHERE timestamp > ?`
	qPassRateByLevel = qPassRate + ` AND amm_level = ?`
)

// DashboardWindow is the lookback of Dashboard and PassRate.
const DashboardWindow = 24 * time.Hour

// Dashboard holds the headline KPIs over the last DashboardWindow.
// OpenIncidents counts ESCALATE verdicts awaiting human review.
type Dashboard struct {
	ActionsLast24h     int64   `json:"actions_last_24h"`
	AvgLatency24h      float64 `json:"avg_latency_24h"`
	DenyRatePct        float64 `json:"deny_rate_pct"`
	OpenIncidents      int64   `json:"open_incidents"`
	CertifiableRatePct float64 `json:"certifiable_rate_pct"`
}

// Metrics queries KPIs from the audit_log table.
type Metrics struct {
	db      *sql.DB
	dialect database.Dialect
	clock   func() time.Time
}

// NewMetrics wraps the same handle the ledger writes to.
func NewMetrics(db *sql.DB, dialect database.Dialect) *Metrics {
	return &Metrics{db: db, dialect: dialect, clock: time.Now}
}

// WithClock overrides the clock used to compute windows.
func (m *Metrics) WithClock(clock func() time.Time) *Metrics {
	m.clock = clock
	return m
}

func (m *Metrics) since(d time.Duration) any {
	return timeArg(m.dialect, m.clock().Add(-d))
}

// Dashboard returns the KPI snapshot. An empty ledger yields zeros.
func (m *Metrics) Dashboard(ctx context.Context) (Dashboard, error) {
	var (
		total             int64
		avg               sql.NullFloat64
		denied, escalated sql.NullInt64
		certifiable       sql.NullInt64
	)
	err := m.db.QueryRowContext(ctx, m.dialect.Rebind(qDashboard), m.since(DashboardWindow)).
		Scan(&total, &avg, &denied, &escalated, &certifiable)
	if err != nil {
		return Dashboard{}, fmt.Errorf("query dashboard: %w", err)
	}

	d := Dashboard{
		ActionsLast24h: total,
		AvgLatency24h:  round2(avg.Float64),
		OpenIncidents:  escalated.Int64,
	}
	if total > 0 {
		d.DenyRatePct = round2(float64(denied.Int64) / float64(total) * 100)
		d.CertifiableRatePct = round2(float64(certifiable.Int64) / float64(total) * 100)
	}
	return d, nil
}

// MTTV is the p95 total latency in milliseconds over the last hours.
// Postgres computes it with PERCENTILE_CONT; SQLite rows are interpolated the
// same way in process.
func (m *Metrics) MTTV(ctx context.Context, hours int) (float64, error) {
	if hours <= 0 {
		return 0, fmt.Errorf("mttv window must be positive, got %d hours", hours)
	}
	since := m.since(time.Duration(hours) * time.Hour)

	if m.dialect == database.Postgres {
		var p95 sql.NullFloat64
		if err := m.db.QueryRowContext(ctx, m.dialect.Rebind(qMTTVPostgres), since).Scan(&p95); err != nil {
			return 0, fmt.Errorf("query mttv: %w", err)
		}
		return round2(p95.Float64), nil
	}

	rows, err := m.db.QueryContext(ctx, m.dialect.Rebind(qLatencies), since)
	if err != nil {
		return 0, fmt.Errorf("query mttv: %w", err)
	}
	defer rows.Close()

	var latencies []float64
	for rows.Next() {
		var ms float64
		if err := rows.Scan(&ms); err != nil {
			return 0, fmt.Errorf("scan latency: %w", err)
		}
		latencies = append(latencies, ms)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate latencies: %w", err)
	}
	return round2(percentileCont(latencies, 0.95)), nil
}

// PassRate is the percentage of ALLOW verdicts over DashboardWindow. A zero
// level covers every authority level.
func (m *Metrics) PassRate(ctx context.Context, level contracts.AuthorityLevel) (float64, error) {
	var (
		total   int64
		allowed sql.NullInt64
		err     error
	)
	since := m.since(DashboardWindow)
	if level == 0 {
		err = m.db.QueryRowContext(ctx, m.dialect.Rebind(qPassRate), since).Scan(&total, &allowed)
	} else {
		err = m.db.QueryRowContext(ctx, m.dialect.Rebind(qPassRateByLevel), since, int(level)).Scan(&total, &allowed)
	}
	if err != nil {
		return 0, fmt.Errorf("query pass rate: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	return round2(float64(allowed.Int64) / float64(total) * 100), nil
}

// percentileCont interpolates linearly between the closest ranks.
func percentileCont(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
