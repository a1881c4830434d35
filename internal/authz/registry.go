package authz

import (
	"context"
	"fmt"
	"strings"
)

// Registry resolves permission references against the global permission catalog.
type Registry struct {
	repo  Repository
	cache *cacheLayer
}

// List returns every registered permission.
func (r *Registry) List(ctx context.Context) ([]Permission, error) {
	return cached(ctx, r.cache, keyPermissions(), func(ctx context.Context) ([]Permission, error) {
		return r.repo.ListPermissions(ctx)
	})
}

// Resolve maps a reference to a registered permission or ErrNotFound.
func (r *Registry) Resolve(ctx context.Context, ref PermissionRef) (Permission, error) {
	if ref == nil {
		return Permission{}, notFound("permission", "<nil>")
	}
	perms, err := r.List(ctx)
	if err != nil {
		return Permission{}, err
	}
	match := func(p Permission) bool { return false }
	switch v := ref.(type) {
	case permissionByID:
		match = func(p Permission) bool { return p.ID == int64(v) }
	case permissionByName:
		match = func(p Permission) bool { return p.Name == string(v) }
	case permissionByValue:
		if v.ID != 0 {
			match = func(p Permission) bool { return p.ID == v.ID }
		} else {
			match = func(p Permission) bool { return p.Name == v.Name }
		}
	}
	for _, p := range perms {
		if match(p) {
			return p, nil
		}
	}
	return Permission{}, notFound("permission", ref)
}

// Ensure registers a permission name, returning the existing row when already present.
func (r *Registry) Ensure(ctx context.Context, name, guard string) (Permission, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Permission{}, fmt.Errorf("%w: permission name required", ErrInvalidInput)
	}
	if numeric(name) {
		return Permission{}, fmt.Errorf("%w: permission name %q must not be numeric", ErrInvalidInput, name)
	}
	if guard = strings.TrimSpace(guard); guard == "" {
		guard = DefaultGuard
	}
	perm, err := r.repo.CreatePermission(ctx, name, guard)
	if err != nil {
		return Permission{}, err
	}
	if err := r.cache.evict(ctx, keyPermissions()); err != nil {
		return perm, err
	}
	return perm, nil
}

// resolveNames maps names to ids, failing on the first unknown name.
func (r *Registry) resolveNames(ctx context.Context, names []string) ([]int64, error) {
	perms, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]int64, len(perms))
	for _, p := range perms {
		byName[p.Name] = p.ID
	}
	ids := make([]int64, 0, len(names))
	seen := make(map[int64]struct{}, len(names))
	for _, n := range names {
		pid, ok := byName[strings.TrimSpace(n)]
		if !ok {
			return nil, notFound("permission", n)
		}
		if _, dup := seen[pid]; dup {
			continue
		}
		seen[pid] = struct{}{}
		ids = append(ids, pid)
	}
	return ids, nil
}
