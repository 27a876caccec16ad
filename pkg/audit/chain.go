package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// GenesisHash is the previous_hash of the first entry.
const GenesisHash = "genesis"

var (
	ErrEntryNotFound = errors.New("entry not found")
	ErrChainBroken   = errors.New("hash chain is broken")
)

// ChainEntry is one immutable verdict record in a ChainStore.
type ChainEntry struct {
	Sequence     uint64             `json:"sequence"`
	RecordedAt   time.Time          `json:"recorded_at"`
	TraceID      string             `json:"trace_id"`
	Decision     contracts.Decision `json:"decision"`
	Payload      json.RawMessage    `json:"payload"`
	PayloadHash  string             `json:"payload_hash"`
	PreviousHash string             `json:"previous_hash"`
	EntryHash    string             `json:"entry_hash"`
}

// ChainStore is an in-memory append-only verdict log in which every entry
// commits to its predecessor's hash.
type ChainStore struct {
	mu        sync.RWMutex
	entries   []*ChainEntry
	byTrace   map[string]*ChainEntry
	byHash    map[string]*ChainEntry
	chainHead string
	clock     func() time.Time
}

// NewChainStore returns an empty store whose head is GenesisHash.
func NewChainStore() *ChainStore {
	return &ChainStore{
		byTrace:   make(map[string]*ChainEntry),
		byHash:    make(map[string]*ChainEntry),
		chainHead: GenesisHash,
		clock:     time.Now,
	}
}

// WithClock overrides the recorded_at clock.
func (s *ChainStore) WithClock(clock func() time.Time) *ChainStore {
	s.clock = clock
	return s
}

// Write appends the verdict. It implements Sink.
func (s *ChainStore) Write(_ context.Context, v *contracts.Verdict) error {
	_, err := s.Append(v)
	return err
}

// Append records v and returns the new entry.
func (s *ChainStore) Append(v *contracts.Verdict) (*ChainEntry, error) {
	if v == nil {
		return nil, contracts.NewAuditWriteError("", "nil verdict", nil)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, contracts.NewAuditWriteError(v.TraceID, "encode verdict", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &ChainEntry{
		Sequence:     uint64(len(s.entries)) + 1,
		RecordedAt:   s.clock().UTC(),
		TraceID:      v.TraceID,
		Decision:     v.Decision,
		Payload:      payload,
		PayloadHash:  computeHash(payload),
		PreviousHash: s.chainHead,
	}
	hash, err := computeEntryHash(entry)
	if err != nil {
		return nil, contracts.NewAuditWriteError(v.TraceID, "hash entry", err)
	}
	entry.EntryHash = hash

	s.entries = append(s.entries, entry)
	s.byTrace[entry.TraceID] = entry
	s.byHash[entry.EntryHash] = entry
	s.chainHead = entry.EntryHash
	return entry, nil
}

func computeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func computeEntryHash(e *ChainEntry) (string, error) {
	hashable := struct {
		Sequence     uint64             `json:"sequence"`
		RecordedAt   time.Time          `json:"recorded_at"`
		TraceID      string             `json:"trace_id"`
		Decision     contracts.Decision `json:"decision"`
		PayloadHash  string             `json:"payload_hash"`
		PreviousHash string             `json:"previous_hash"`
	}{
		Sequence:     e.Sequence,
		RecordedAt:   e.RecordedAt,
		TraceID:      e.TraceID,
		Decision:     e.Decision,
		PayloadHash:  e.PayloadHash,
		PreviousHash: e.PreviousHash,
	}
	data, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("marshal entry for hashing: %w", err)
	}
	return computeHash(data), nil
}

// Get returns the latest entry for a trace.
func (s *ChainStore) Get(traceID string) (*ChainEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byTrace[traceID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e, nil
}

// GetByHash returns the entry with the given hash.
func (s *ChainStore) GetByHash(hash string) (*ChainEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byHash[hash]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e, nil
}

// Head returns the hash of the last entry.
func (s *ChainStore) Head() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainHead
}

// Len returns the number of entries.
func (s *ChainStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Range returns entries recorded within [start, end]. Zero bounds are open.
func (s *ChainStore) Range(start, end time.Time) []*ChainEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ChainEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if !start.IsZero() && e.RecordedAt.Before(start) {
			continue
		}
		if !end.IsZero() && e.RecordedAt.After(end) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// VerifyChain recomputes every payload and entry hash and checks linkage.
func (s *ChainStore) VerifyChain() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expectedPrev := GenesisHash
	for i, e := range s.entries {
		if e.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrChainBroken, i, e.PreviousHash, expectedPrev)
		}
		if got := computeHash(e.Payload); got != e.PayloadHash {
			return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, i)
		}
		computed, err := computeEntryHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, i, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, e.EntryHash)
		}
		expectedPrev = e.EntryHash
	}
	return nil
}
