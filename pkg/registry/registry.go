package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/validators"
)

// Factory builds a validator. It runs at most once per registered name.
type Factory func() (validators.Validator, error)

type entry struct {
	factory  Factory
	instance validators.Validator
}

// Registry resolves validator names to instances. The set is closed: names
// are registered at process start and looked up for every evaluation.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a factory under name. Duplicate names are rejected.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return errors.New("registry: name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("registry: validator %q already registered", name)
	}
	r.entries[name] = &entry{factory: f}
	return nil
}

// RegisterValidator adds an already built validator under its own name.
func (r *Registry) RegisterValidator(v validators.Validator) error {
	return r.Register(v.Name(), func() (validators.Validator, error) { return v, nil })
}

// Get returns the validator registered under name. Unknown names wrap
// contracts.ErrValidatorNotFound.
func (r *Registry) Get(name string) (validators.Validator, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	var inst validators.Validator
	if ok {
		inst = e.instance
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", contracts.ErrValidatorNotFound, name)
	}
	if inst != nil {
		return inst, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e.instance == nil {
		v, err := e.factory()
		if err != nil {
			return nil, fmt.Errorf("registry: build %q: %w", name, err)
		}
		e.instance = v
	}
	return e.instance, nil
}

// Resolve looks up every name in order. The first failure aborts resolution.
func (r *Registry) Resolve(names []string) ([]validators.Validator, error) {
	out := make([]validators.Validator, 0, len(names))
	for _, n := range names {
		v, err := r.Get(n)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Names lists registered validator names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Options configure the declarative validators in Default.
type Options struct {
	Constraints validators.ConstraintSource
	Schemas     map[string]string
	Whitelist   []string
}

// Default registers every built-in validator. The constraint validator is
// only registered when a constraint source is supplied.
func Default(opts Options) (*Registry, error) {
	r := New()
	builtins := []Factory{
		func() (validators.Validator, error) { return validators.NewFuelReserve(), nil },
		func() (validators.Validator, error) { return validators.NewCrewRest(), nil },
		func() (validators.Validator, error) { return validators.NewAirspace(), nil },
		func() (validators.Validator, error) { return validators.NewPSD2SCA(), nil },
		func() (validators.Validator, error) { return validators.NewPSD2Limit(), nil },
		func() (validators.Validator, error) { return validators.NewBeneficiary(opts.Whitelist...), nil },
		func() (validators.Validator, error) { return validators.NewAMLThreshold(), nil },
		func() (validators.Validator, error) { return validators.NewAMLRiskScore(), nil },
		func() (validators.Validator, error) { return validators.NewDosage(), nil },
	}
	for _, f := range builtins {
		v, err := f()
		if err != nil {
			return nil, err
		}
		if err := r.RegisterValidator(v); err != nil {
			return nil, err
		}
	}

	if opts.Constraints != nil {
		src := opts.Constraints
		if err := r.Register(validators.ConstraintName, func() (validators.Validator, error) {
			return validators.NewConstraint(src)
		}); err != nil {
			return nil, err
		}
	}
	schemas := opts.Schemas
	if err := r.Register(validators.SchemaName, func() (validators.Validator, error) {
		return validators.NewSchema(schemas)
	}); err != nil {
		return nil, err
	}
	return r, nil
}
