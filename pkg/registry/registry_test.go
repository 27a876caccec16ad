package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/validators"
)

func TestRegistry_GetUnknown(t *testing.T) {
	r := New()
	_, err := r.Get("GhostValidator")
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrValidatorNotFound)
	assert.Contains(t, err.Error(), "GhostValidator")
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterValidator(validators.NewCrewRest()))
	assert.Error(t, r.RegisterValidator(validators.NewCrewRest()))
	assert.Error(t, r.Register("", nil))
}

func TestRegistry_FactoryRunsOnce(t *testing.T) {
	r := New()
	calls := 0
	require.NoError(t, r.Register("Counted", func() (validators.Validator, error) {
		calls++
		return validators.NewAirspace(), nil
	}))

	for i := 0; i < 3; i++ {
		_, err := r.Get("Counted")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, calls)
}

func TestRegistry_FactoryError(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("Broken", func() (validators.Validator, error) {
		return nil, errors.New("bad config")
	}))
	_, err := r.Get("Broken")
	assert.ErrorContains(t, err, "bad config")
}

func TestRegistry_ResolvePreservesOrder(t *testing.T) {
	r, err := Default(Options{})
	require.NoError(t, err)

	names := []string{validators.CrewRestName, validators.FuelReserveName, validators.AirspaceName}
	vs, err := r.Resolve(names)
	require.NoError(t, err)
	require.Len(t, vs, 3)
	for i, v := range vs {
		assert.Equal(t, names[i], v.Name())
	}

	_, err = r.Resolve([]string{validators.CrewRestName, "Missing"})
	assert.ErrorIs(t, err, contracts.ErrValidatorNotFound)
}

type noConstraints struct{}

func (noConstraints) Constraints(context.Context, string, string) ([]validators.Constraint, error) {
	return nil, nil
}

func TestDefault_RegistersBuiltins(t *testing.T) {
	r, err := Default(Options{Constraints: noConstraints{}})
	require.NoError(t, err)

	for _, n := range []string{
		validators.FuelReserveName, validators.CrewRestName, validators.AirspaceName,
		validators.PSD2SCAName, validators.PSD2LimitName, validators.BeneficiaryName,
		validators.AMLThresholdName, validators.AMLRiskScoreName, validators.DosageName,
		validators.ConstraintName, validators.SchemaName,
	} {
		v, err := r.Get(n)
		require.NoError(t, err, n)
		assert.Equal(t, n, v.Name())
	}
	assert.Len(t, r.Names(), 11)

	bare, err := Default(Options{})
	require.NoError(t, err)
	_, err = bare.Get(validators.ConstraintName)
	assert.ErrorIs(t, err, contracts.ErrValidatorNotFound)
}
