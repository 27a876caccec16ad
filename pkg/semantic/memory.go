package semantic

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/validators"
)

//go:embed defaults/ontology.yaml
var defaultOntology []byte

// DefaultCatalog returns the bundled aviation, fintech and healthcare ontologies.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultOntology)
}

// MemoryClient serves an in-process catalog. The catalog can be swapped at
// runtime; readers see either the old or the new catalog, never a mix.
type MemoryClient struct {
	mu        sync.RWMutex
	catalog   *Catalog
	onReplace []func(prev, next *Catalog)
	logger    *slog.Logger
}

// NewMemoryClient wraps a parsed catalog.
func NewMemoryClient(c *Catalog) *MemoryClient {
	return &MemoryClient{
		catalog: c,
		logger:  slog.Default().With("component", "semantic.memory"),
	}
}

// LoadFile reads a YAML catalog from disk.
func LoadFile(path string) (*MemoryClient, error) {
	c, err := readCatalog(path)
	if err != nil {
		return nil, err
	}
	return NewMemoryClient(c), nil
}

func readCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ontology %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// Replace swaps the served catalog and then runs the OnReplace hooks.
func (m *MemoryClient) Replace(c *Catalog) {
	m.mu.Lock()
	prev := m.catalog
	m.catalog = c
	hooks := append([]func(prev, next *Catalog)(nil), m.onReplace...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(prev, c)
	}
}

// OnReplace registers fn to run after every catalog swap.
func (m *MemoryClient) OnReplace(fn func(prev, next *Catalog)) {
	m.mu.Lock()
	m.onReplace = append(m.onReplace, fn)
	m.mu.Unlock()
}

// Catalog returns the catalog currently served.
func (m *MemoryClient) Catalog() *Catalog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.catalog
}

func (m *MemoryClient) active(ctx context.Context, domain string) (*Ontology, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o, ok := m.Catalog().Active(domain)
	if !ok {
		return nil, &contracts.OntologyNotFoundError{Domain: domain}
	}
	return o, nil
}

func (m *MemoryClient) ValidateSemanticAuthority(ctx context.Context, a contracts.ActionPrimitive, level contracts.AuthorityLevel) (contracts.SemanticVerdict, error) {
	o, err := m.active(ctx, a.Domain)
	if err != nil {
		return contracts.SemanticVerdict{}, err
	}
	return Authorize(o, a, level), nil
}

func (m *MemoryClient) RequiredValidators(ctx context.Context, a contracts.ActionPrimitive) ([]string, error) {
	o, err := m.active(ctx, a.Domain)
	if err != nil {
		return nil, err
	}
	verb, ok := o.Verb(a.Verb)
	if !ok {
		return []string{}, nil
	}
	return dedupe(verb.Validators), nil
}

func (m *MemoryClient) Regulations(ctx context.Context, a contracts.ActionPrimitive) ([]Regulation, error) {
	o, err := m.active(ctx, a.Domain)
	if err != nil {
		return nil, err
	}
	verb, ok := o.Verb(a.Verb)
	if !ok {
		return nil, nil
	}
	return append([]Regulation(nil), verb.Regulations...), nil
}

func (m *MemoryClient) Constraints(ctx context.Context, domain, verbName string) ([]validators.Constraint, error) {
	o, err := m.active(ctx, domain)
	if err != nil {
		return nil, err
	}
	verb, ok := o.Verb(verbName)
	if !ok {
		return nil, nil
	}
	return append([]validators.Constraint(nil), verb.Constraints...), nil
}

// Ping always succeeds while the context is live.
func (m *MemoryClient) Ping(ctx context.Context) error {
	return ctx.Err()
}
