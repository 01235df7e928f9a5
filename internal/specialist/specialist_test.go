package specialist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/bizpartner/internal/domain"
)

type stub domain.Role

func (s stub) Role() domain.Role { return domain.Role(s) }

func (stub) Process(context.Context, *domain.State) (domain.Update, error) {
	return domain.Update{}, nil
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(stub(domain.RolePrimary), stub(domain.RoleAdvice))
	require.NoError(t, err)
	require.Equal(t, []domain.Role{domain.RoleAdvice, domain.RolePrimary}, reg.Roles())

	_, ok := reg.Get(domain.RoleRiskOffer)
	require.False(t, ok)

	replacement := stub(domain.RoleAdvice)
	require.NoError(t, reg.Replace(replacement))
	sp, ok := reg.Get(domain.RoleAdvice)
	require.True(t, ok)
	require.Equal(t, replacement, sp)

	require.Error(t, reg.Replace(stub("auditor")))
}

func TestNewRegistryRejects(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry(stub(domain.RoleAdvice), stub(domain.RoleAdvice))
	require.ErrorContains(t, err, "duplicate")

	_, err = NewRegistry(stub("auditor"))
	require.ErrorContains(t, err, "not known")
}

func TestWritesAreDisjoint(t *testing.T) {
	t.Parallel()

	roles := []domain.Role{domain.RolePrimary, domain.RoleRiskOffer, domain.RoleServicing, domain.RoleAdvice}
	for i, a := range roles {
		require.NotZero(t, Writes(a), a)
		for _, b := range roles[i+1:] {
			require.Zero(t, Writes(a)&Writes(b), "%s and %s share outputs", a, b)
		}
	}
	require.Zero(t, Writes(domain.RoleNone))
}
