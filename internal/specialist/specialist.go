// Package specialist defines the uniform interface of the processing units
// invoked by the workflow executor, and the registry that holds them.
package specialist

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ashureev/bizpartner/internal/domain"
)

// ErrTimeout marks a specialist call that may be retried once.
var ErrTimeout = errors.New("specialist timed out")

// Specialist turns a session state into a partial update. Implementations
// are stateless and safe for concurrent use; everything they need about a
// session arrives in the state passed to Process.
type Specialist interface {
	Role() domain.Role
	Process(ctx context.Context, s *domain.State) (domain.Update, error)
}

// Instructions supplies the instruction text a specialist runs with.
type Instructions interface {
	Get(ctx context.Context, name string) string
}

// writes lists the fields each role is allowed to change.
var writes = map[domain.Role]domain.FieldSet{
	domain.RolePrimary: domain.FieldMessages | domain.FieldBusiness | domain.FieldPhotos |
		domain.FieldPhotoInsights | domain.FieldLoanAccepted | domain.FieldInfoComplete |
		domain.FieldPhase | domain.FieldCompletedTasks | domain.FieldRouting,
	domain.RoleRiskOffer: domain.FieldRiskScore | domain.FieldLoanOffer | domain.FieldLoanOffered,
	domain.RoleServicing: domain.FieldServicing,
	domain.RoleAdvice:    domain.FieldAdvice,
}

// Writes returns the fields role may change. Unknown roles may change nothing.
func Writes(role domain.Role) domain.FieldSet {
	return writes[role]
}

// Registry holds one specialist per role.
type Registry struct {
	byRole map[domain.Role]Specialist
}

// NewRegistry builds a registry. It fails when two specialists claim the
// same role or a role has no declared outputs.
func NewRegistry(specialists ...Specialist) (*Registry, error) {
	r := &Registry{byRole: make(map[domain.Role]Specialist, len(specialists))}
	for _, sp := range specialists {
		role := sp.Role()
		if _, ok := writes[role]; !ok {
			return nil, fmt.Errorf("specialist role %q is not known", role)
		}
		if _, dup := r.byRole[role]; dup {
			return nil, fmt.Errorf("duplicate specialist for role %q", role)
		}
		r.byRole[role] = sp
	}
	return r, nil
}

// Get returns the specialist registered for role.
func (r *Registry) Get(role domain.Role) (Specialist, bool) {
	sp, ok := r.byRole[role]
	return sp, ok
}

// Replace registers sp, overriding any specialist already holding its role.
func (r *Registry) Replace(sp Specialist) error {
	if _, ok := writes[sp.Role()]; !ok {
		return fmt.Errorf("specialist role %q is not known", sp.Role())
	}
	r.byRole[sp.Role()] = sp
	return nil
}

// Roles lists the registered roles in sorted order.
func (r *Registry) Roles() []domain.Role {
	roles := make([]domain.Role, 0, len(r.byRole))
	for role := range r.byRole {
		roles = append(roles, role)
	}
	slices.Sort(roles)
	return roles
}
