package semantic

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/validators"
)

const (
	cypherVersions = `
MATCH (ont:Ontology {domain: $domain, active: true})
RETURN ont.version AS version`

	cypherAuthority = `
MATCH (ont:Ontology {domain: $domain, version: $version})
OPTIONAL MATCH (ont)-[:DEFINES]->(a:Action {verb: $verb})
OPTIONAL MATCH (a)-[:REQUIRES_AMM]->(req:MaturityLevel)
RETURN a IS NOT NULL AS ontology_match, req.value AS required_amm`

	cypherValidators = `
MATCH (:Ontology {domain: $domain, version: $version})-[:DEFINES]->(:Action {verb: $verb})-[r:REQUIRES_VALIDATOR]->(v:Validator)
RETURN v.name AS validator_name
ORDER BY coalesce(r.order, 0), v.name`

	cypherRegulations = `
MATCH (:Ontology {domain: $domain, version: $version})-[:DEFINES]->(:Action {verb: $verb})-[g:GOVERNED_BY]->(r:Regulation)
RETURN r.id AS regulation_id, r.title AS title, r.authority AS authority, g.rule_description AS description
ORDER BY r.id`

	cypherConstraints = `
MATCH (:Ontology {domain: $domain, version: $version})-[:DEFINES]->(:Action {verb: $verb})-[k:CONSTRAINED_BY]->(c:Constraint)
RETURN c.id AS id, c.expression AS expression, c.citation AS citation, c.description AS description
ORDER BY coalesce(k.order, 0), c.id`
)

type cypherFunc func(ctx context.Context, query string, params map[string]any) ([]*neo4j.Record, error)

// Neo4jClient reads the ontology graph: Ontology nodes DEFINE Action nodes,
// which REQUIRE_AMM a MaturityLevel and REQUIRE_VALIDATOR Validator nodes.
type Neo4jClient struct {
	driver neo4j.DriverWithContext
	run    cypherFunc
}

// Neo4jConfig holds connection settings.
type Neo4jConfig struct {
	URI      string
	User     string
	Password string
	Database string
}

// NewNeo4jClient connects and verifies connectivity.
func NewNeo4jClient(ctx context.Context, cfg Neo4jConfig) (*Neo4jClient, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}

	opts := []neo4j.ExecuteQueryConfigurationOption{neo4j.ExecuteQueryWithReadersRouting()}
	if cfg.Database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(cfg.Database))
	}
	run := func(ctx context.Context, query string, params map[string]any) ([]*neo4j.Record, error) {
		res, err := neo4j.ExecuteQuery(ctx, driver, query, params, neo4j.EagerResultTransformer, opts...)
		if err != nil {
			return nil, err
		}
		return res.Records, nil
	}
	return &Neo4jClient{driver: driver, run: run}, nil
}

// Close releases the driver.
func (c *Neo4jClient) Close(ctx context.Context) error {
	if c.driver == nil {
		return nil
	}
	return c.driver.Close(ctx)
}

func (c *Neo4jClient) activeVersion(ctx context.Context, domain string) (string, error) {
	recs, err := c.run(ctx, cypherVersions, map[string]any{"domain": domain})
	if err != nil {
		return "", fmt.Errorf("query ontology versions: %w", err)
	}
	var best *semver.Version
	var bestRaw string
	for _, r := range recs {
		raw, _ := recordString(r, "version")
		v, err := semver.NewVersion(raw)
		if err != nil {
			return "", fmt.Errorf("ontology %s: invalid version %q: %w", domain, raw, err)
		}
		if best == nil || v.GreaterThan(best) {
			best, bestRaw = v, raw
		}
	}
	if best == nil {
		return "", &contracts.OntologyNotFoundError{Domain: domain}
	}
	return bestRaw, nil
}

func (c *Neo4jClient) scope(ctx context.Context, domain, verb string) (map[string]any, error) {
	version, err := c.activeVersion(ctx, domain)
	if err != nil {
		return nil, err
	}
	return map[string]any{"domain": domain, "version": version, "verb": verb}, nil
}

func (c *Neo4jClient) ValidateSemanticAuthority(ctx context.Context, a contracts.ActionPrimitive, level contracts.AuthorityLevel) (contracts.SemanticVerdict, error) {
	params, err := c.scope(ctx, a.Domain, a.Verb)
	if err != nil {
		return contracts.SemanticVerdict{}, err
	}
	recs, err := c.run(ctx, cypherAuthority, params)
	if err != nil {
		return contracts.SemanticVerdict{}, fmt.Errorf("query semantic authority: %w", err)
	}
	if len(recs) == 0 {
		return contracts.SemanticVerdict{}, &contracts.OntologyNotFoundError{Domain: a.Domain}
	}

	rec := recs[0]
	match, _ := rec.Get("ontology_match")
	if ok, _ := match.(bool); !ok {
		return contracts.NewSemanticVerdict(contracts.DecisionDeny,
			fmt.Sprintf("Verb '%s' not found in ontology '%s' v%s", a.Verb, a.Domain, params["version"]),
			false, false), nil
	}
	// A governed action without a maturity edge requires the highest level.
	required := contracts.FullSystemicAutonomy
	if raw, ok := rec.Get("required_amm"); ok {
		if n, ok := raw.(int64); ok {
			required = contracts.AuthorityLevel(n)
		}
	}
	return decide(a.Verb, required, level), nil
}

func (c *Neo4jClient) RequiredValidators(ctx context.Context, a contracts.ActionPrimitive) ([]string, error) {
	params, err := c.scope(ctx, a.Domain, a.Verb)
	if err != nil {
		return nil, err
	}
	recs, err := c.run(ctx, cypherValidators, params)
	if err != nil {
		return nil, fmt.Errorf("query validators: %w", err)
	}
	names := make([]string, 0, len(recs))
	for _, r := range recs {
		if n, ok := recordString(r, "validator_name"); ok {
			names = append(names, n)
		}
	}
	return dedupe(names), nil
}

func (c *Neo4jClient) Regulations(ctx context.Context, a contracts.ActionPrimitive) ([]Regulation, error) {
	params, err := c.scope(ctx, a.Domain, a.Verb)
	if err != nil {
		return nil, err
	}
	recs, err := c.run(ctx, cypherRegulations, params)
	if err != nil {
		return nil, fmt.Errorf("query regulations: %w", err)
	}
	out := make([]Regulation, 0, len(recs))
	for _, r := range recs {
		var reg Regulation
		reg.ID, _ = recordString(r, "regulation_id")
		reg.Title, _ = recordString(r, "title")
		reg.Authority, _ = recordString(r, "authority")
		reg.Description, _ = recordString(r, "description")
		out = append(out, reg)
	}
	return out, nil
}

func (c *Neo4jClient) Constraints(ctx context.Context, domain, verb string) ([]validators.Constraint, error) {
	params, err := c.scope(ctx, domain, verb)
	if err != nil {
		return nil, err
	}
	recs, err := c.run(ctx, cypherConstraints, params)
	if err != nil {
		return nil, fmt.Errorf("query constraints: %w", err)
	}
	out := make([]validators.Constraint, 0, len(recs))
	for _, r := range recs {
		var k validators.Constraint
		k.ID, _ = recordString(r, "id")
		k.Expression, _ = recordString(r, "expression")
		k.Citation, _ = recordString(r, "citation")
		k.Description, _ = recordString(r, "description")
		out = append(out, k)
	}
	return out, nil
}

// Ping runs a trivial query.
func (c *Neo4jClient) Ping(ctx context.Context) error {
	_, err := c.run(ctx, "RETURN 1 AS ping", nil)
	return err
}

func recordString(r *neo4j.Record, key string) (string, bool) {
	raw, ok := r.Get(key)
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}
