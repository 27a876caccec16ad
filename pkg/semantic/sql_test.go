package semantic

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/database"
)

func seededSQLite(t *testing.T) *SQLClient {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.SQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	c := NewSQLClient(db, database.SQLite)
	require.NoError(t, c.Migrate(ctx))
	cat, err := DefaultCatalog()
	require.NoError(t, err)
	require.NoError(t, c.Seed(ctx, cat))
	// Seeding twice replaces rather than duplicates.
	require.NoError(t, c.Seed(ctx, cat))
	return c
}

func TestSQLClient_SQLite(t *testing.T) {
	c := seededSQLite(t)
	ctx := context.Background()

	sv, err := c.ValidateSemanticAuthority(ctx, mustAction(t, "reroute_flight", "aviation"), contracts.ActionableAgency)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, sv.Decision)
	assert.Equal(t, 1.0, sv.Coverage)

	sv, err = c.ValidateSemanticAuthority(ctx, mustAction(t, "execute_transfer", "fintech"), contracts.ActionableAgency)
	require.NoError(t, err)
	assert.Equal(t, "Action requires AMM Level 4, but agent is Level 3", sv.Reason)

	sv, err = c.ValidateSemanticAuthority(ctx, mustAction(t, "teleport", "aviation"), contracts.ActionableAgency)
	require.NoError(t, err)
	assert.Equal(t, "Verb 'teleport' not found in ontology 'aviation' v2.1.0", sv.Reason)

	_, err = c.ValidateSemanticAuthority(ctx, mustAction(t, "dock_vessel", "maritime"), contracts.ActionableAgency)
	assert.ErrorIs(t, err, contracts.ErrOntologyNotFound)

	names, err := c.RequiredValidators(ctx, mustAction(t, "reroute_flight", "aviation"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ParameterSchemaValidator", "FuelReserveValidator", "CrewRestValidator"}, names)

	names, err = c.RequiredValidators(ctx, mustAction(t, "query_account_balance", "fintech"))
	require.NoError(t, err)
	assert.NotNil(t, names)
	assert.Empty(t, names)

	regs, err := c.Regulations(ctx, mustAction(t, "initiate_payment", "fintech"))
	require.NoError(t, err)
	assert.Len(t, regs, 2)

	ks, err := c.Constraints(ctx, "fintech", "initiate_payment")
	require.NoError(t, err)
	require.Len(t, ks, 2)
	assert.Equal(t, "max_single_payment", ks[0].ID)

	assert.NoError(t, c.Ping(ctx))
}

func TestSQLClient_PostgresQueries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c := NewSQLClient(db, database.Postgres)
	ctx := context.Background()
	a := mustAction(t, "approve_payment", "fintech")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM ontology_domains WHERE domain = $1 AND active = $2")).
		WithArgs("fintech", true).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("1.2.0").AddRow("1.10.0"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT min_amm_level FROM ontology_verbs WHERE domain = $1 AND version = $2 AND verb = $3")).
		WithArgs("fintech", "1.10.0", "approve_payment").
		WillReturnRows(sqlmock.NewRows([]string{"min_amm_level"}).AddRow(3))

	sv, err := c.ValidateSemanticAuthority(ctx, a, contracts.AutonomousOrchestration)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, sv.Decision)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM ontology_domains")).
		WithArgs("fintech", true).
		WillReturnError(errors.New("connection reset"))
	_, err = c.ValidateSemanticAuthority(ctx, a, contracts.AutonomousOrchestration)
	assert.ErrorContains(t, err, "connection reset")
	assert.NotErrorIs(t, err, contracts.ErrOntologyNotFound)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM ontology_domains")).
		WithArgs("fintech", true).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	_, err = c.RequiredValidators(ctx, a)
	assert.ErrorIs(t, err, contracts.ErrOntologyNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}
