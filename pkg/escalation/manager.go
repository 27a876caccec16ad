// Package escalation tracks ESCALATE verdicts through human review.
//
// The manager opens an Intent for each escalated verdict, expires intents that
// nobody reviewed in time, and records each reviewer decision as a Resolution
// with a content-hashed Receipt. Expired intents are treated as denied.
package escalation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// DefaultTimeout bounds how long an intent may stay PENDING.
const DefaultTimeout = 5 * time.Minute

var (
	ErrIntentNotFound = errors.New("escalation intent not found")
	ErrNotPending     = errors.New("escalation intent is not PENDING")
	ErrExpired        = errors.New("escalation intent expired")
	ErrNotEscalated   = errors.New("verdict is not ESCALATE")
)

// Manager handles the lifecycle of escalation intents.
type Manager struct {
	mu          sync.Mutex
	intents     map[string]*Intent
	resolutions []*Resolution
	timeout     time.Duration
	clock       func() time.Time
	logger      *slog.Logger
}

// NewManager creates a manager whose intents expire after timeout. A
// non-positive timeout selects DefaultTimeout.
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		intents: make(map[string]*Intent),
		timeout: timeout,
		clock:   time.Now,
		logger:  slog.Default().With("component", "escalation"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Open creates a PENDING intent for an ESCALATE verdict.
func (m *Manager) Open(ctx context.Context, v *contracts.Verdict) (*Intent, error) {
	if v == nil || v.Decision != contracts.DecisionEscalate {
		return nil, ErrNotEscalated
	}
	now := m.clock().UTC()
	intent := &Intent{
		IntentID:  uuid.New().String(),
		TraceID:   v.TraceID,
		AgentID:   v.AgentID,
		Domain:    v.Action.Domain,
		Verb:      v.Action.Verb,
		Reason:    v.Reason,
		Verdict:   *v,
		CreatedAt: now,
		ExpiresAt: now.Add(m.timeout),
		Status:    StatusPending,
	}

	m.mu.Lock()
	m.intents[intent.IntentID] = intent
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "escalation opened",
		"intent_id", intent.IntentID,
		"trace_id", intent.TraceID,
		"verb", intent.Verb,
	)
	return snapshot(intent), nil
}

// Approve moves a PENDING intent to APPROVED. An intent past its deadline
// becomes EXPIRED instead and ErrExpired is returned with its receipt.
func (m *Manager) Approve(ctx context.Context, intentID, approverID string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, now, err := m.pending(intentID)
	if err != nil {
		if errors.Is(err, ErrExpired) {
			return m.createReceipt(intent, now), err
		}
		return nil, err
	}

	intent.Status = StatusApproved
	receipt := m.createReceipt(intent, now)
	receipt.ApprovedBy = []string{approverID}
	m.logger.InfoContext(ctx, "escalation approved", "intent_id", intentID, "approver", approverID)
	return receipt, nil
}

// Deny moves a PENDING intent to DENIED.
func (m *Manager) Deny(ctx context.Context, intentID, denierID, reason string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, now, err := m.pending(intentID)
	if err != nil {
		if errors.Is(err, ErrExpired) {
			return m.createReceipt(intent, now), err
		}
		return nil, err
	}

	intent.Status = StatusDenied
	receipt := m.createReceipt(intent, now)
	receipt.DeniedBy = denierID
	receipt.DenyReason = reason
	m.logger.InfoContext(ctx, "escalation denied", "intent_id", intentID, "denier", denierID)
	return receipt, nil
}

// Resolve records a reviewer outcome. The resolution is scored against
// earlier resolutions of the same domain and verb and signed with a sha256
// over its canonical JSON.
func (m *Manager) Resolve(ctx context.Context, intentID string, req ResolveRequest) (*Resolution, error) {
	if _, err := ParseOutcome(string(req.Outcome)); err != nil {
		return nil, err
	}
	if req.OperatorID == "" {
		return nil, fmt.Errorf("operator_id is required")
	}
	if req.Outcome == OutcomeApprovedNewRule && req.NewRuleID == "" {
		return nil, fmt.Errorf("outcome %s requires new_rule_created", req.Outcome)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	intent, now, err := m.pending(intentID)
	if err != nil {
		return nil, err
	}

	similar, agree := m.similar(intent, req.Outcome)
	score := 0.0
	if len(similar) > 0 {
		score = float64(agree) / float64(len(similar))
	}

	intent.Status = req.Outcome.Status()
	receipt := m.createReceipt(intent, now)
	if intent.Status == StatusApproved {
		receipt.ApprovedBy = []string{req.OperatorID}
	} else {
		receipt.DeniedBy = req.OperatorID
		receipt.DenyReason = req.Rationale
	}

	res := &Resolution{
		IntentID:         intent.IntentID,
		OperatorID:       req.OperatorID,
		ResolutionTimeMs: receipt.DurationMs,
		Outcome:          req.Outcome,
		Rationale:        req.Rationale,
		NewRuleID:        req.NewRuleID,
		SimilarCases:     similar,
		ConsistencyScore: score,
		Timestamp:        now,
	}
	res.Signature = signResolution(res)
	res.Receipt = receipt

	intent.Resolved = res
	m.resolutions = append(m.resolutions, res)

	m.logger.InfoContext(ctx, "escalation resolved",
		"intent_id", intentID,
		"outcome", req.Outcome,
		"consistency_score", score,
	)
	return res, nil
}

// CheckTimeouts expires every PENDING intent past its deadline and returns
// their receipts.
func (m *Manager) CheckTimeouts(ctx context.Context) ([]*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock().UTC()
	var receipts []*Receipt
	for _, intent := range m.intents {
		if intent.Status != StatusPending || !now.After(intent.ExpiresAt) {
			continue
		}
		intent.Status = StatusExpired
		receipts = append(receipts, m.createReceipt(intent, now))
		m.logger.WarnContext(ctx, "escalation expired", "intent_id", intent.IntentID, "trace_id", intent.TraceID)
	}
	sort.Slice(receipts, func(i, j int) bool { return receipts[i].IntentID < receipts[j].IntentID })
	return receipts, nil
}

// Run calls CheckTimeouts every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = m.CheckTimeouts(ctx)
		}
	}
}

// GetIntent returns a copy of an intent.
func (m *Manager) GetIntent(intentID string) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrIntentNotFound, intentID)
	}
	return snapshot(intent), nil
}

// PendingCount returns the number of pending escalations.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, intent := range m.intents {
		if intent.Status == StatusPending {
			count++
		}
	}
	return count
}

// ConsistencyScore is the share of resolutions for domain and verb that
// match the most common outcome. It is 0 when there are none.
func (m *Manager) ConsistencyScore(domain, verb string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := map[Outcome]int{}
	total := 0
	for _, r := range m.resolutions {
		intent := m.intents[r.IntentID]
		if intent.Domain != domain || intent.Verb != verb {
			continue
		}
		counts[r.Outcome]++
		total++
	}
	if total == 0 {
		return 0
	}
	majority := 0
	for _, n := range counts {
		if n > majority {
			majority = n
		}
	}
	return float64(majority) / float64(total)
}

// Stats summarizes every recorded resolution.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.resolutions)
	if n == 0 {
		return Stats{}
	}
	times := make([]int64, n)
	var sum int64
	rules := 0
	for i, r := range m.resolutions {
		times[i] = r.ResolutionTimeMs
		sum += r.ResolutionTimeMs
		if r.NewRuleID != "" {
			rules++
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	p95 := times[n-1]
	if n > 20 {
		p95 = times[int(float64(n)*0.95)]
	}
	return Stats{
		TotalResolutions: n,
		MeanMs:           float64(sum) / float64(n),
		MedianMs:         times[n/2],
		P95Ms:            p95,
		MinMs:            times[0],
		MaxMs:            times[n-1],
		NewRulesCreated:  rules,
		RuleCreationRate: float64(rules) / float64(n),
	}
}

// pending returns the intent if it can still be decided. Callers hold m.mu.
// A PENDING intent past its deadline is expired here and returned with
// ErrExpired.
func (m *Manager) pending(intentID string) (*Intent, time.Time, error) {
	now := m.clock().UTC()
	intent, ok := m.intents[intentID]
	if !ok {
		return nil, now, fmt.Errorf("%w: %q", ErrIntentNotFound, intentID)
	}
	if intent.Status != StatusPending {
		return nil, now, fmt.Errorf("%w: %q (status=%s)", ErrNotPending, intentID, intent.Status)
	}
	if now.After(intent.ExpiresAt) {
		intent.Status = StatusExpired
		return intent, now, fmt.Errorf("%w: %q", ErrExpired, intentID)
	}
	return intent, now, nil
}

// similar lists earlier resolutions of the same domain and verb and counts
// those with the given outcome. Callers hold m.mu.
func (m *Manager) similar(intent *Intent, outcome Outcome) ([]string, int) {
	ids := []string{}
	agree := 0
	for _, r := range m.resolutions {
		prev := m.intents[r.IntentID]
		if prev.Domain != intent.Domain || prev.Verb != intent.Verb {
			continue
		}
		ids = append(ids, r.IntentID)
		if r.Outcome == outcome {
			agree++
		}
	}
	return ids, agree
}

func (m *Manager) createReceipt(intent *Intent, resolvedAt time.Time) *Receipt {
	receipt := &Receipt{
		ReceiptID:  uuid.New().String(),
		IntentID:   intent.IntentID,
		Outcome:    intent.Status,
		ResolvedAt: resolvedAt,
		DurationMs: resolvedAt.Sub(intent.CreatedAt).Milliseconds(),
	}

	hashable := struct {
		IntentID string `json:"intent_id"`
		TraceID  string `json:"trace_id"`
		Outcome  Status `json:"outcome"`
	}{
		IntentID: intent.IntentID,
		TraceID:  intent.TraceID,
		Outcome:  intent.Status,
	}
	data, _ := json.Marshal(hashable)
	h := sha256.Sum256(data)
	receipt.ContentHash = "sha256:" + hex.EncodeToString(h[:])
	return receipt
}

// signResolution hashes the resolution without its signature and receipt.
func signResolution(r *Resolution) string {
	unsigned := *r
	unsigned.Signature = ""
	unsigned.Receipt = nil
	data, _ := json.Marshal(unsigned)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func snapshot(i *Intent) *Intent {
	c := *i
	if i.Resolved != nil {
		r := *i.Resolved
		c.Resolved = &r
	}
	return &c
}
