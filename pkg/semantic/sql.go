package semantic

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/database"
	"github.com/Mindburn-Labs/helm-gate/pkg/validators"
)

const (
	qActiveVersions = `SELECT version FROM ontology_domains WHERE domain = ? AND active = ?`
	qVerbLevel      = `SELECT min_amm_level FROM ontology_verbs WHERE domain = ? AND version = ? AND verb = ?`
	qValidators     = `SELECT validator FROM ontology_verb_validators WHERE domain = ? AND version = ? AND verb = ? ORDER BY position`
	qRegulations    = `SELECT regulation_id, title, authority, description FROM ontology_regulations WHERE domain = ? AND version = ? AND verb = ? ORDER BY regulation_id`
	qConstraints    = `SELECT constraint_id, expression, citation, description FROM ontology_constraints WHERE domain = ? AND version = ? AND verb = ? ORDER BY position`
)

var ontologySchema = []string{
	`CREATE TABLE IF NOT EXISTS ontology_domains (
		domain  TEXT NOT NULL,
		version TEXT NOT NULL,
		active  BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (domain, version)
	)`,
	`CREATE TABLE IF NOT EXISTS ontology_verbs (
		domain           TEXT NOT NULL,
		version          TEXT NOT NULL,
		verb             TEXT NOT NULL,
		min_amm_level    INTEGER NOT NULL,
		parameter_schema TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (domain, version, verb)
	)`,
	`CREATE TABLE IF NOT EXISTS ontology_verb_validators (
		domain    TEXT NOT NULL,
		version   TEXT NOT NULL,
		verb      TEXT NOT NULL,
		validator TEXT NOT NULL,
		position  INTEGER NOT NULL,
		PRIMARY KEY (domain, version, verb, validator)
	)`,
	`CREATE TABLE IF NOT EXISTS ontology_regulations (
		domain        TEXT NOT NULL,
		version       TEXT NOT NULL,
		verb          TEXT NOT NULL,
		regulation_id TEXT NOT NULL,
		title         TEXT NOT NULL DEFAULT '',
		authority     TEXT NOT NULL DEFAULT '',
		description   TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (domain, version, verb, regulation_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ontology_constraints (
		domain        TEXT NOT NULL,
		version       TEXT NOT NULL,
		verb          TEXT NOT NULL,
		constraint_id TEXT NOT NULL,
		expression    TEXT NOT NULL,
		citation      TEXT NOT NULL DEFAULT '',
		description   TEXT NOT NULL DEFAULT '',
		position      INTEGER NOT NULL,
		PRIMARY KEY (domain, version, verb, constraint_id)
	)`,
}

// SQLClient reads a relational ontology from Postgres or SQLite.
type SQLClient struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewSQLClient wraps an open database handle.
func NewSQLClient(db *sql.DB, dialect database.Dialect) *SQLClient {
	return &SQLClient{db: db, dialect: dialect}
}

func (c *SQLClient) q(query string) string { return c.dialect.Rebind(query) }

// Migrate creates the ontology tables.
func (c *SQLClient) Migrate(ctx context.Context) error {
	for _, stmt := range ontologySchema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate ontology schema: %w", err)
		}
	}
	return nil
}

// Seed replaces the stored rows for every ontology version in the catalog.
func (c *SQLClient) Seed(ctx context.Context, cat *Catalog) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("seed ontology: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, o := range cat.Ontologies {
		for _, table := range []string{"ontology_constraints", "ontology_regulations", "ontology_verb_validators", "ontology_verbs", "ontology_domains"} {
			stmt := c.q(fmt.Sprintf("DELETE FROM %s WHERE domain = ? AND version = ?", table))
			if _, err := tx.ExecContext(ctx, stmt, o.Domain, o.Version); err != nil {
				return fmt.Errorf("seed ontology %s: %w", o.Domain, err)
			}
		}
		if _, err := tx.ExecContext(ctx, c.q(`INSERT INTO ontology_domains (domain, version, active) VALUES (?, ?, ?)`),
			o.Domain, o.Version, o.Active); err != nil {
			return fmt.Errorf("seed ontology %s: %w", o.Domain, err)
		}
		for _, v := range o.Verbs {
			if _, err := tx.ExecContext(ctx, c.q(`INSERT INTO ontology_verbs (domain, version, verb, min_amm_level, parameter_schema) VALUES (?, ?, ?, ?, ?)`),
				o.Domain, o.Version, v.Name, int(v.MinLevel), v.ParameterSchema); err != nil {
				return fmt.Errorf("seed verb %s: %w", v.Name, err)
			}
			for i, name := range dedupe(v.Validators) {
				if _, err := tx.ExecContext(ctx, c.q(`INSERT INTO ontology_verb_validators (domain, version, verb, validator, position) VALUES (?, ?, ?, ?, ?)`),
					o.Domain, o.Version, v.Name, name, i); err != nil {
					return fmt.Errorf("seed validators for %s: %w", v.Name, err)
				}
			}
			for _, r := range v.Regulations {
				if _, err := tx.ExecContext(ctx, c.q(`INSERT INTO ontology_regulations (domain, version, verb, regulation_id, title, authority, description) VALUES (?, ?, ?, ?, ?, ?, ?)`),
					o.Domain, o.Version, v.Name, r.ID, r.Title, r.Authority, r.Description); err != nil {
					return fmt.Errorf("seed regulations for %s: %w", v.Name, err)
				}
			}
			for i, k := range v.Constraints {
				if _, err := tx.ExecContext(ctx, c.q(`INSERT INTO ontology_constraints (domain, version, verb, constraint_id, expression, citation, description, position) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
					o.Domain, o.Version, v.Name, k.ID, k.Expression, k.Citation, k.Description, i); err != nil {
					return fmt.Errorf("seed constraints for %s: %w", v.Name, err)
				}
			}
		}
	}
	return tx.Commit()
}

// activeVersion picks the highest active semantic version for domain.
func (c *SQLClient) activeVersion(ctx context.Context, domain string) (string, error) {
	rows, err := c.db.QueryContext(ctx, c.q(qActiveVersions), domain, true)
	if err != nil {
		return "", fmt.Errorf("query ontology versions: %w", err)
	}
	defer rows.Close()

	var best *semver.Version
	var bestRaw string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return "", fmt.Errorf("scan ontology version: %w", err)
		}
		v, err := semver.NewVersion(raw)
		if err != nil {
			return "", fmt.Errorf("ontology %s: invalid version %q: %w", domain, raw, err)
		}
		if best == nil || v.GreaterThan(best) {
			best, bestRaw = v, raw
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate ontology versions: %w", err)
	}
	if best == nil {
		return "", &contracts.OntologyNotFoundError{Domain: domain}
	}
	return bestRaw, nil
}

func (c *SQLClient) ValidateSemanticAuthority(ctx context.Context, a contracts.ActionPrimitive, level contracts.AuthorityLevel) (contracts.SemanticVerdict, error) {
	version, err := c.activeVersion(ctx, a.Domain)
	if err != nil {
		return contracts.SemanticVerdict{}, err
	}

	var required int
	err = c.db.QueryRowContext(ctx, c.q(qVerbLevel), a.Domain, version, a.Verb).Scan(&required)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.NewSemanticVerdict(contracts.DecisionDeny,
			fmt.Sprintf("Verb '%s' not found in ontology '%s' v%s", a.Verb, a.Domain, version),
			false, false), nil
	}
	if err != nil {
		return contracts.SemanticVerdict{}, fmt.Errorf("query verb %s: %w", a.Verb, err)
	}
	return decide(a.Verb, contracts.AuthorityLevel(required), level), nil
}

func (c *SQLClient) RequiredValidators(ctx context.Context, a contracts.ActionPrimitive) ([]string, error) {
	version, err := c.activeVersion(ctx, a.Domain)
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, c.q(qValidators), a.Domain, version, a.Verb)
	if err != nil {
		return nil, fmt.Errorf("query validators: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan validator: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (c *SQLClient) Regulations(ctx context.Context, a contracts.ActionPrimitive) ([]Regulation, error) {
	version, err := c.activeVersion(ctx, a.Domain)
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, c.q(qRegulations), a.Domain, version, a.Verb)
	if err != nil {
		return nil, fmt.Errorf("query regulations: %w", err)
	}
	defer rows.Close()

	var out []Regulation
	for rows.Next() {
		var r Regulation
		if err := rows.Scan(&r.ID, &r.Title, &r.Authority, &r.Description); err != nil {
			return nil, fmt.Errorf("scan regulation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *SQLClient) Constraints(ctx context.Context, domain, verb string) ([]validators.Constraint, error) {
	version, err := c.activeVersion(ctx, domain)
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, c.q(qConstraints), domain, version, verb)
	if err != nil {
		return nil, fmt.Errorf("query constraints: %w", err)
	}
	defer rows.Close()

	var out []validators.Constraint
	for rows.Next() {
		var k validators.Constraint
		if err := rows.Scan(&k.ID, &k.Expression, &k.Citation, &k.Description); err != nil {
			return nil, fmt.Errorf("scan constraint: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Ping issues a trivial round-trip.
func (c *SQLClient) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}
