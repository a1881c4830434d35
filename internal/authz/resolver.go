package authz

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
)

// Port is the authorization contract consumed by handlers, policies and operational tooling.
// Decisions return false for business reasons; errors are reserved for integrity failures.
type Port interface {
	Authorize(ctx context.Context, p Principal, perm PermissionRef, org OrgRef) (bool, error)
	HasAny(ctx context.Context, p Principal, perms []PermissionRef, org OrgRef) (bool, error)
	HasAll(ctx context.Context, p Principal, perms []PermissionRef, org OrgRef) (bool, error)
	HasRole(ctx context.Context, p Principal, role RoleRef, org OrgRef) (bool, error)
	ListRoles(ctx context.Context, p Principal, org OrgRef) ([]AssignedRole, error)
	HighestRole(ctx context.Context, p Principal, org OrgRef) (AssignedRole, bool, error)
	AssignRole(ctx context.Context, p Principal, role RoleRef, org OrgRef) (bool, error)
	RevokeRole(ctx context.Context, p Principal, role RoleRef, org OrgRef) (bool, error)
	GrantPermission(ctx context.Context, p Principal, perm PermissionRef, org OrgRef) (bool, error)
	DenyPermission(ctx context.Context, p Principal, perm PermissionRef, org OrgRef) (bool, error)
	ClearPermission(ctx context.Context, p Principal, perm PermissionRef, org OrgRef) (bool, error)
	EffectivePermissions(ctx context.Context, p Principal, org OrgRef) (PermissionSet, error)
}

// DefaultCacheTTL bounds cached lookups when Options.CacheTTL is zero.
const DefaultCacheTTL = 5 * time.Minute

// Options configures a Resolver. A nil Cache disables caching.
type Options struct {
	Cache     Cache
	CacheTTL  time.Duration
	Logger    *slog.Logger
	Observer  Observer
	Validator *validator.Validate
}

// Resolver combines the registry, the catalog, assignments and overrides into decisions.
type Resolver struct {
	repo        Repository
	cache       *cacheLayer
	logger      *slog.Logger
	observer    Observer
	registry    *Registry
	catalog     *Catalog
	assignments *Assignments
	overrides   *Overrides
}

var _ Port = (*Resolver)(nil)

// NewResolver wires the engine components over repo.
func NewResolver(repo Repository, opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	v := opts.Validator
	if v == nil {
		v = validator.New()
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	layer := &cacheLayer{cache: opts.Cache, ttl: ttl, logger: logger, observer: opts.Observer}
	registry := &Registry{repo: repo, cache: layer}
	catalog := &Catalog{repo: repo, cache: layer, registry: registry, validator: v, logger: logger}
	return &Resolver{
		repo:        repo,
		cache:       layer,
		logger:      logger,
		observer:    opts.Observer,
		registry:    registry,
		catalog:     catalog,
		assignments: &Assignments{repo: repo, cache: layer, catalog: catalog, logger: logger},
		overrides:   &Overrides{repo: repo, cache: layer, logger: logger},
	}
}

// Registry exposes the permission registry.
func (r *Resolver) Registry() *Registry { return r.registry }

// Catalog exposes the template catalog.
func (r *Resolver) Catalog() *Catalog { return r.catalog }

// Assignments exposes the role assignment store.
func (r *Resolver) Assignments() *Assignments { return r.assignments }

// Overrides exposes the permission override store.
func (r *Resolver) Overrides() *Overrides { return r.overrides }

// Organisation resolves an organisation reference. Soft-deleted rows are ErrNotFound.
func (r *Resolver) Organisation(ctx context.Context, ref OrgRef) (Organisation, error) {
	if ref == nil || ref.orgID() <= 0 {
		return Organisation{}, notFound("organisation", ref)
	}
	id := ref.orgID()
	org, err := cached(ctx, r.cache, keyOrganisation(id), func(ctx context.Context) (Organisation, error) {
		return r.repo.GetOrganisation(ctx, id)
	})
	if err != nil {
		return Organisation{}, err
	}
	if org.DeletedAt != nil {
		return Organisation{}, notFound("organisation", id)
	}
	return org, nil
}

// InvalidateOrganisation drops the cached organisation row after an external change such as a
// new owner or a soft delete.
func (r *Resolver) InvalidateOrganisation(ctx context.Context, orgID int64) error {
	return r.cache.evict(ctx, keyOrganisation(orgID))
}

// subject is everything a decision needs about one principal in one organisation.
type subject struct {
	owner  bool
	bypass bool
	held   []AssignedRole
	grants map[int64]struct{}
	denies map[int64]struct{}
}

func (r *Resolver) subject(ctx context.Context, p Principal, org Organisation) (subject, error) {
	held, err := r.assignments.List(ctx, p, org.ID)
	if err != nil {
		return subject{}, err
	}
	rows, err := r.overrides.List(ctx, p.ID, org.ID)
	if err != nil {
		return subject{}, err
	}
	s := subject{owner: org.IsOwner(p.ID), held: held}
	s.grants, s.denies = splitOverrides(rows)
	for _, h := range held {
		if h.Template.IsBypass() {
			s.bypass = true
			break
		}
	}
	return s, nil
}

// decide applies the precedence deny > bypass > owner > grant > role bundle.
func (s subject) decide(perm Permission) (bool, string) {
	if _, ok := s.denies[perm.ID]; ok {
		return false, OutcomeDenied
	}
	if s.bypass {
		return true, OutcomeBypass
	}
	if s.owner {
		return true, OutcomeOwner
	}
	if _, ok := s.grants[perm.ID]; ok {
		return true, OutcomeGranted
	}
	for _, h := range s.held {
		if h.Template.HasPermission(perm.Name) {
			return true, OutcomeRole
		}
	}
	return false, OutcomeNone
}

func (r *Resolver) observe(outcome string) {
	if r.observer != nil {
		r.observer.ObserveDecision(outcome)
	}
}

// load resolves the organisation and the subject. A missing organisation yields ok=false.
func (r *Resolver) load(ctx context.Context, p Principal, ref OrgRef) (Organisation, subject, bool, error) {
	org, err := r.Organisation(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		r.observe(OutcomeNoOrganisation)
		return Organisation{}, subject{}, false, nil
	}
	if err != nil {
		return Organisation{}, subject{}, false, err
	}
	s, err := r.subject(ctx, p, org)
	if err != nil {
		return Organisation{}, subject{}, false, err
	}
	return org, s, true, nil
}

// check resolves one permission and decides it. Unregistered permissions fail closed.
func (r *Resolver) check(ctx context.Context, s subject, ref PermissionRef) (bool, string, error) {
	perm, err := r.registry.Resolve(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return false, OutcomeNoPermission, nil
	}
	if err != nil {
		return false, "", err
	}
	allowed, outcome := s.decide(perm)
	return allowed, outcome, nil
}

// Authorize decides whether the principal may exercise perm in the organisation.
func (r *Resolver) Authorize(ctx context.Context, p Principal, perm PermissionRef, org OrgRef) (bool, error) {
	if perm == nil {
		r.observe(OutcomeNoPermission)
		return false, nil
	}
	o, s, ok, err := r.load(ctx, p, org)
	if err != nil || !ok {
		return false, err
	}
	allowed, outcome, err := r.check(ctx, s, perm)
	if err != nil {
		return false, err
	}
	r.observe(outcome)
	r.logger.Debug("authz decision",
		slog.Int64("user_id", p.ID), slog.Int64("organisation_id", o.ID),
		slog.String("permission", perm.String()), slog.Bool("allowed", allowed), slog.String("outcome", outcome))
	return allowed, nil
}

// HasAny reports whether any of perms is authorized. An empty list is false.
func (r *Resolver) HasAny(ctx context.Context, p Principal, perms []PermissionRef, org OrgRef) (bool, error) {
	if len(perms) == 0 {
		return false, nil
	}
	_, s, ok, err := r.load(ctx, p, org)
	if err != nil || !ok {
		return false, err
	}
	for _, ref := range perms {
		allowed, outcome, err := r.check(ctx, s, ref)
		if err != nil {
			return false, err
		}
		if allowed {
			r.observe(outcome)
			return true, nil
		}
	}
	r.observe(OutcomeNone)
	return false, nil
}

// HasAll reports whether every one of perms is authorized. An empty list is true once the
// organisation resolves.
func (r *Resolver) HasAll(ctx context.Context, p Principal, perms []PermissionRef, org OrgRef) (bool, error) {
	_, s, ok, err := r.load(ctx, p, org)
	if err != nil || !ok {
		return false, err
	}
	last := ""
	for _, ref := range perms {
		allowed, outcome, err := r.check(ctx, s, ref)
		if err != nil {
			return false, err
		}
		if !allowed {
			r.observe(outcome)
			return false, nil
		}
		last = outcome
	}
	if last != "" {
		r.observe(last)
	}
	return true, nil
}

// HasRole reports whether the principal holds the role. Unresolved organisations are false.
func (r *Resolver) HasRole(ctx context.Context, p Principal, role RoleRef, org OrgRef) (bool, error) {
	o, err := r.Organisation(ctx, org)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return r.assignments.HasRole(ctx, p, role, o.ID)
}

// ListRoles returns the principal's roles in the organisation.
func (r *Resolver) ListRoles(ctx context.Context, p Principal, org OrgRef) ([]AssignedRole, error) {
	o, err := r.Organisation(ctx, org)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.assignments.List(ctx, p, o.ID)
}

// HighestRole returns the principal's role with the greatest template level.
func (r *Resolver) HighestRole(ctx context.Context, p Principal, org OrgRef) (AssignedRole, bool, error) {
	o, err := r.Organisation(ctx, org)
	if errors.Is(err, ErrNotFound) {
		return AssignedRole{}, false, nil
	}
	if err != nil {
		return AssignedRole{}, false, err
	}
	return r.assignments.Highest(ctx, p, o.ID)
}

// AssignRole links the principal to the role, instantiating it from a template name on first use.
// Unresolved references are reported as ErrNotFound with no write.
func (r *Resolver) AssignRole(ctx context.Context, p Principal, role RoleRef, org OrgRef) (bool, error) {
	o, err := r.Organisation(ctx, org)
	if err != nil {
		return false, err
	}
	return r.assignments.Assign(ctx, p, role, o.ID)
}

// RevokeRole removes the principal's edges to the role.
func (r *Resolver) RevokeRole(ctx context.Context, p Principal, role RoleRef, org OrgRef) (bool, error) {
	o, err := r.Organisation(ctx, org)
	if err != nil {
		return false, err
	}
	return r.assignments.Revoke(ctx, p, role, o.ID)
}

// GrantPermission records an explicit grant for the principal.
func (r *Resolver) GrantPermission(ctx context.Context, p Principal, perm PermissionRef, org OrgRef) (bool, error) {
	o, target, err := r.overrideTarget(ctx, perm, org)
	if err != nil {
		return false, err
	}
	return r.overrides.Grant(ctx, p.ID, target, o.ID)
}

// DenyPermission records an explicit deny for the principal. Denies dominate every other rule.
func (r *Resolver) DenyPermission(ctx context.Context, p Principal, perm PermissionRef, org OrgRef) (bool, error) {
	o, target, err := r.overrideTarget(ctx, perm, org)
	if err != nil {
		return false, err
	}
	return r.overrides.Deny(ctx, p.ID, target, o.ID)
}

// ClearPermission removes any override for the principal and permission.
func (r *Resolver) ClearPermission(ctx context.Context, p Principal, perm PermissionRef, org OrgRef) (bool, error) {
	o, target, err := r.overrideTarget(ctx, perm, org)
	if err != nil {
		return false, err
	}
	return r.overrides.Clear(ctx, p.ID, target, o.ID)
}

func (r *Resolver) overrideTarget(ctx context.Context, perm PermissionRef, org OrgRef) (Organisation, Permission, error) {
	o, err := r.Organisation(ctx, org)
	if err != nil {
		return Organisation{}, Permission{}, err
	}
	target, err := r.registry.Resolve(ctx, perm)
	if err != nil {
		return Organisation{}, Permission{}, err
	}
	return o, target, nil
}

// EffectivePermissions lists every registered permission Authorize would allow. Bypass holders
// and owners receive the whole registry minus their denies.
func (r *Resolver) EffectivePermissions(ctx context.Context, p Principal, org OrgRef) (PermissionSet, error) {
	_, s, ok, err := r.load(ctx, p, org)
	if err != nil {
		return nil, err
	}
	set := PermissionSet{}
	if !ok {
		return set, nil
	}
	perms, err := r.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, perm := range perms {
		if allowed, _ := s.decide(perm); allowed {
			set[perm.Name] = struct{}{}
		}
	}
	return set, nil
}
