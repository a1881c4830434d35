package authz

import (
	"context"
	"errors"
	"log/slog"
	"sort"
)

// Assignments links principals to organisation roles.
type Assignments struct {
	repo    Repository
	cache   *cacheLayer
	catalog *Catalog
	logger  *slog.Logger
}

func (a *Assignments) roleIDs(ctx context.Context, userID, orgID int64) ([]int64, error) {
	return cached(ctx, a.cache, keyAssignments(orgID, userID), func(ctx context.Context) ([]int64, error) {
		return a.repo.ListAssignedRoleIDs(ctx, ModelTypeUser, userID, orgID)
	})
}

// List returns the principal's roles in the organisation ordered by role id.
func (a *Assignments) List(ctx context.Context, p Principal, orgID int64) ([]AssignedRole, error) {
	ids, err := a.roleIDs(ctx, p.ID, orgID)
	if err != nil {
		return nil, err
	}
	held, err := a.catalog.assigned(ctx, orgID, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(held, func(i, j int) bool { return held[i].Role.ID < held[j].Role.ID })
	return held, nil
}

// Highest returns the held role with the greatest template level; ties go to the lowest role id.
func (a *Assignments) Highest(ctx context.Context, p Principal, orgID int64) (AssignedRole, bool, error) {
	held, err := a.List(ctx, p, orgID)
	if err != nil {
		return AssignedRole{}, false, err
	}
	best, ok := highest(held)
	return best, ok, nil
}

func highest(held []AssignedRole) (AssignedRole, bool) {
	if len(held) == 0 {
		return AssignedRole{}, false
	}
	best := held[0]
	for _, h := range held[1:] {
		if h.Template.Level > best.Template.Level ||
			(h.Template.Level == best.Template.Level && h.Role.ID < best.Role.ID) {
			best = h
		}
	}
	return best, true
}

// HasRole reports whether the principal holds the referenced role. A name matches any held role
// instantiated from a template with that name.
func (a *Assignments) HasRole(ctx context.Context, p Principal, ref RoleRef, orgID int64) (bool, error) {
	held, err := a.List(ctx, p, orgID)
	if err != nil {
		return false, err
	}
	for _, h := range held {
		if matchesRole(h, ref) {
			return true, nil
		}
	}
	return false, nil
}

func matchesRole(h AssignedRole, ref RoleRef) bool {
	switch v := ref.(type) {
	case roleByID:
		return h.Role.ID == int64(v)
	case roleByName:
		return h.Template.Name == string(v)
	case roleByValue:
		return h.Role.ID == v.ID
	}
	return false
}

// Assign links the principal to the referenced role, instantiating it from a template name when
// needed. It reports whether a new edge was created; an edge that already exists, including one
// inserted by a concurrent caller, yields false without error.
func (a *Assignments) Assign(ctx context.Context, p Principal, ref RoleRef, orgID int64) (bool, error) {
	role, err := a.resolve(ctx, ref, orgID, true)
	if err != nil {
		return false, err
	}
	edge := RoleAssignment{RoleID: role.ID, ModelID: p.ID, ModelType: ModelTypeUser, OrganisationID: orgID}
	exists, err := a.repo.AssignmentExists(ctx, edge)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := a.repo.InsertAssignment(ctx, edge); err != nil {
		if errors.Is(err, ErrConflict) {
			return false, nil
		}
		return false, err
	}
	a.logger.Debug("role assigned",
		slog.Int64("user_id", p.ID), slog.Int64("role_id", role.ID), slog.Int64("organisation_id", orgID))
	return true, a.cache.evict(ctx, keyAssignments(orgID, p.ID))
}

// Revoke removes the principal's edges to the referenced role and reports whether any existed.
// A name revokes every held role instantiated from a template with that name.
func (a *Assignments) Revoke(ctx context.Context, p Principal, ref RoleRef, orgID int64) (bool, error) {
	var targets []int64
	if name, ok := ref.(roleByName); ok {
		if _, err := a.catalog.GetTemplate(ctx, string(name), orgID); err != nil {
			return false, err
		}
		held, err := a.List(ctx, p, orgID)
		if err != nil {
			return false, err
		}
		for _, h := range held {
			if h.Template.Name == string(name) {
				targets = append(targets, h.Role.ID)
			}
		}
	} else {
		role, err := a.resolve(ctx, ref, orgID, false)
		if err != nil {
			return false, err
		}
		targets = append(targets, role.ID)
	}
	var removed int64
	for _, rid := range targets {
		n, err := a.repo.DeleteAssignments(ctx, RoleAssignment{
			RoleID: rid, ModelID: p.ID, ModelType: ModelTypeUser, OrganisationID: orgID,
		})
		if err != nil {
			if removed > 0 {
				return true, errors.Join(err, a.cache.evict(ctx, keyAssignments(orgID, p.ID)))
			}
			return false, err
		}
		removed += n
	}
	if removed == 0 {
		return false, nil
	}
	return true, a.cache.evict(ctx, keyAssignments(orgID, p.ID))
}

// resolve maps a reference to a role of the organisation. Names are instantiated on demand when
// create is set.
func (a *Assignments) resolve(ctx context.Context, ref RoleRef, orgID int64, create bool) (Role, error) {
	var roleID int64
	switch v := ref.(type) {
	case roleByName:
		tmpl, err := a.catalog.GetTemplate(ctx, string(v), orgID)
		if err != nil {
			return Role{}, err
		}
		if create {
			return a.catalog.CreateOrgRoleFromTemplate(ctx, tmpl, orgID)
		}
		return a.repo.FindRole(ctx, tmpl.ID, orgID)
	case roleByID:
		roleID = int64(v)
	case roleByValue:
		roleID = v.ID
	default:
		return Role{}, notFound("role", ref)
	}
	role, err := a.catalog.Role(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	if role.OrganisationID != orgID {
		return Role{}, notFound("role", roleID)
	}
	return role, nil
}
