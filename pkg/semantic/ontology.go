package semantic

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/validators"
)

// Regulation is a rule a verb is governed by.
type Regulation struct {
	ID          string `json:"regulation_id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Authority   string `json:"authority" yaml:"authority"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Verb is one governed action within a domain ontology.
//
//nolint:govet // fieldalignment: struct layout follows the YAML document
type Verb struct {
	Name            string                   `yaml:"name"`
	MinLevel        contracts.AuthorityLevel `yaml:"min_amm_level"`
	Validators      []string                 `yaml:"validators,omitempty"`
	Regulations     []Regulation             `yaml:"regulations,omitempty"`
	Constraints     []validators.Constraint  `yaml:"constraints,omitempty"`
	ParameterSchema string                   `yaml:"parameter_schema,omitempty"`
}

// Ontology is the versioned rule-set for a single domain.
type Ontology struct {
	Domain  string `yaml:"domain"`
	Version string `yaml:"version"`
	Active  bool   `yaml:"active"`
	Verbs   []Verb `yaml:"verbs"`

	semver *semver.Version
	index  map[string]int
}

// Verb looks up a verb by name.
func (o *Ontology) Verb(name string) (*Verb, bool) {
	i, ok := o.index[name]
	if !ok {
		return nil, false
	}
	return &o.Verbs[i], true
}

// Catalog is the full set of ontologies known to a client.
type Catalog struct {
	Ontologies []Ontology `yaml:"ontologies"`
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse ontology catalog: %w", err)
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) index() error {
	if len(c.Ontologies) == 0 {
		return errors.New("ontology catalog is empty")
	}
	for i := range c.Ontologies {
		o := &c.Ontologies[i]
		if o.Domain == "" {
			return fmt.Errorf("ontology %d: domain is required", i)
		}
		v, err := semver.NewVersion(o.Version)
		if err != nil {
			return fmt.Errorf("ontology %s: invalid version %q: %w", o.Domain, o.Version, err)
		}
		o.semver = v
		o.index = make(map[string]int, len(o.Verbs))
		for j, verb := range o.Verbs {
			if _, dup := o.index[verb.Name]; dup {
				return fmt.Errorf("ontology %s v%s: duplicate verb %q", o.Domain, o.Version, verb.Name)
			}
			if !verb.MinLevel.Valid() {
				return fmt.Errorf("ontology %s: verb %q has invalid min_amm_level %d", o.Domain, verb.Name, verb.MinLevel)
			}
			o.index[verb.Name] = j
		}
	}
	return nil
}

// Domains lists each domain in the catalog once, in file order.
func (c *Catalog) Domains() []string {
	if c == nil {
		return nil
	}
	seen := make(map[string]bool, len(c.Ontologies))
	var out []string
	for _, o := range c.Ontologies {
		if !seen[o.Domain] {
			seen[o.Domain] = true
			out = append(out, o.Domain)
		}
	}
	return out
}

// Active returns the highest active version of the ontology for domain.
func (c *Catalog) Active(domain string) (*Ontology, bool) {
	var best *Ontology
	for i := range c.Ontologies {
		o := &c.Ontologies[i]
		if o.Domain != domain || !o.Active {
			continue
		}
		if best == nil || o.semver.GreaterThan(best.semver) {
			best = o
		}
	}
	return best, best != nil
}

// Schemas collects parameter schemas from every active ontology, keyed by verb.
func (c *Catalog) Schemas() map[string]string {
	out := make(map[string]string)
	for _, o := range c.Ontologies {
		if !o.Active {
			continue
		}
		for _, v := range o.Verbs {
			if v.ParameterSchema == "" {
				continue
			}
			if _, seen := out[v.Name]; !seen {
				out[v.Name] = v.ParameterSchema
			}
		}
	}
	return out
}

// Authorize applies the two-part semantic check to an ontology. A missing verb
// and an insufficient level are ordinary DENY verdicts, not errors.
func Authorize(o *Ontology, a contracts.ActionPrimitive, level contracts.AuthorityLevel) contracts.SemanticVerdict {
	verb, ok := o.Verb(a.Verb)
	if !ok {
		return contracts.NewSemanticVerdict(contracts.DecisionDeny,
			fmt.Sprintf("Verb '%s' not found in ontology '%s' v%s", a.Verb, a.Domain, o.Version),
			false, false)
	}
	return decide(a.Verb, verb.MinLevel, level)
}

func decide(verb string, required, level contracts.AuthorityLevel) contracts.SemanticVerdict {
	if !level.Satisfies(required) {
		return contracts.NewSemanticVerdict(contracts.DecisionDeny,
			fmt.Sprintf("Action requires AMM Level %d, but agent is Level %d", required, level),
			true, false)
	}
	return contracts.NewSemanticVerdict(contracts.DecisionAllow,
		fmt.Sprintf("Action authorized: %s @ AMM L%d", verb, level),
		true, true)
}

// dedupe keeps the first occurrence of each name, preserving order.
func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
