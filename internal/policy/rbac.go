// Package policy decides which purposes a requester's role may use.
package policy

import (
	"fmt"
	"sort"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
)

// DefaultRolePurposes is the built-in role table.
var DefaultRolePurposes = map[domain.Role][]domain.Purpose{
	domain.RoleStudent: {domain.PurposeTutor, domain.PurposeAnswer},
	domain.RoleTeacher: domain.AllPurposes,
	domain.RoleAdmin:   domain.AllPurposes,
}

// RBAC maps roles to the purposes they may request. Unknown roles may
// request nothing.
type RBAC struct {
	allowed map[domain.Role]map[domain.Purpose]bool
}

// NewRBAC builds a policy from the configured role table. An empty table
// yields DefaultRolePurposes.
func NewRBAC(rolePurposes map[string][]string) (*RBAC, error) {
	if len(rolePurposes) == 0 {
		return Default(), nil
	}

	r := &RBAC{allowed: make(map[domain.Role]map[domain.Purpose]bool, len(rolePurposes))}
	for role, purposes := range rolePurposes {
		set := make(map[domain.Purpose]bool, len(purposes))
		for _, p := range purposes {
			purpose := domain.Purpose(p)
			if !purpose.Valid() {
				return nil, fmt.Errorf("role %q: unknown purpose %q", role, p)
			}
			set[purpose] = true
		}
		r.allowed[domain.Role(role)] = set
	}
	return r, nil
}

// Default returns the built-in policy.
func Default() *RBAC {
	r := &RBAC{allowed: make(map[domain.Role]map[domain.Purpose]bool, len(DefaultRolePurposes))}
	for role, purposes := range DefaultRolePurposes {
		set := make(map[domain.Purpose]bool, len(purposes))
		for _, p := range purposes {
			set[p] = true
		}
		r.allowed[role] = set
	}
	return r
}

// Authorize returns a PermissionDenied error unless requester's role may
// request purpose.
func (r *RBAC) Authorize(requester domain.Requester, purpose domain.Purpose) error {
	if requester.ID == "" {
		return domain.ErrPermissionDenied("requester identity is required")
	}
	if !r.allowed[requester.Role][purpose] {
		role := requester.Role
		if role == "" {
			role = "unknown"
		}
		return domain.Errorf(domain.KindPermissionDenied, "role %s may not request %s", role, purpose)
	}
	return nil
}

// Purposes lists what role may request, sorted.
func (r *RBAC) Purposes(role domain.Role) []domain.Purpose {
	out := make([]domain.Purpose, 0, len(r.allowed[role]))
	for p := range r.allowed[role] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
