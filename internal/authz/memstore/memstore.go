// Package memstore is an in-memory authz.Repository for tests and local tooling. It enforces
// the same uniqueness rules as the Postgres schema.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/authz/internal/authz"
)

type overrideKey struct {
	user, permission, org int64
}

type data struct {
	seq         int64
	orgs        map[int64]authz.Organisation
	members     map[int64][]int64
	perms       map[int64]authz.Permission
	templates   map[int64]authz.RoleTemplate
	bundles     map[int64][]int64
	roles       map[int64]authz.Role
	assignments map[authz.RoleAssignment]struct{}
	overrides   map[overrideKey]bool
}

func newData() *data {
	return &data{
		orgs:        make(map[int64]authz.Organisation),
		members:     make(map[int64][]int64),
		perms:       make(map[int64]authz.Permission),
		templates:   make(map[int64]authz.RoleTemplate),
		bundles:     make(map[int64][]int64),
		roles:       make(map[int64]authz.Role),
		assignments: make(map[authz.RoleAssignment]struct{}),
		overrides:   make(map[overrideKey]bool),
	}
}

func (d *data) clone() *data {
	c := newData()
	c.seq = d.seq
	for k, v := range d.orgs {
		c.orgs[k] = v
	}
	for k, v := range d.members {
		c.members[k] = append([]int64(nil), v...)
	}
	for k, v := range d.perms {
		c.perms[k] = v
	}
	for k, v := range d.templates {
		c.templates[k] = v
	}
	for k, v := range d.bundles {
		c.bundles[k] = append([]int64(nil), v...)
	}
	for k, v := range d.roles {
		c.roles[k] = v
	}
	for k := range d.assignments {
		c.assignments[k] = struct{}{}
	}
	for k, v := range d.overrides {
		c.overrides[k] = v
	}
	return c
}

func (d *data) next() int64 {
	d.seq++
	return d.seq
}

// Fault makes the call numbered After+1 of Method fail with Err.
type Fault struct {
	Method string
	After  int
	Err    error
}

// Store is a concurrency-safe in-memory repository. Transactions run on a copy that replaces the
// live state on commit; writes are serialized, reads are not.
type Store struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	live    *data

	callMu sync.Mutex
	calls  map[string]int
	faults []Fault
}

var (
	_ authz.Repository = (*Store)(nil)
	_ authz.Store      = (*txStore)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{live: newData(), calls: make(map[string]int)}
}

// Calls returns how many times method was invoked, inside or outside transactions.
func (s *Store) Calls(method string) int {
	s.callMu.Lock()
	defer s.callMu.Unlock()
	return s.calls[method]
}

// Inject registers a fault.
func (s *Store) Inject(f Fault) {
	s.callMu.Lock()
	defer s.callMu.Unlock()
	s.faults = append(s.faults, f)
}

func (s *Store) record(method string) error {
	s.callMu.Lock()
	defer s.callMu.Unlock()
	n := s.calls[method]
	s.calls[method] = n + 1
	for i, f := range s.faults {
		if f.Method == method && f.After == n {
			s.faults = append(s.faults[:i], s.faults[i+1:]...)
			return f.Err
		}
	}
	return nil
}

func (s *Store) read(method string, fn func(*data) error) error {
	if err := s.record(method); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.live)
}

func (s *Store) write(method string, fn func(*data) error) error {
	if err := s.record(method); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.live)
}

// WithTx runs fn against a private copy and publishes it when fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, authz.Store) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.RLock()
	work := s.live.clone()
	s.mu.RUnlock()
	if err := fn(ctx, &txStore{store: s, d: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.live = work
	s.mu.Unlock()
	return nil
}

// AddOrganisation inserts an organisation and returns it with its id.
func (s *Store) AddOrganisation(name string, ownerID *int64) authz.Organisation {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	org := authz.Organisation{ID: s.live.next(), Name: name, OwnerID: ownerID, CreatedAt: time.Now().UTC()}
	s.live.orgs[org.ID] = org
	return org
}

// AddMember records userID as a member of the organisation.
func (s *Store) AddMember(orgID, userID int64) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, uid := range s.live.members[orgID] {
		if uid == userID {
			return
		}
	}
	s.live.members[orgID] = append(s.live.members[orgID], userID)
}

// SoftDeleteOrganisation stamps deleted_at on the organisation.
func (s *Store) SoftDeleteOrganisation(orgID int64) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if org, ok := s.live.orgs[orgID]; ok {
		now := time.Now().UTC()
		org.DeletedAt = &now
		s.live.orgs[orgID] = org
	}
}

// Overrides returns every override row, for assertions on row counts.
func (s *Store) Overrides() []authz.PermissionOverride {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]authz.PermissionOverride, 0, len(s.live.overrides))
	for k, grant := range s.live.overrides {
		out = append(out, authz.PermissionOverride{UserID: k.user, PermissionID: k.permission, OrganisationID: k.org, Grant: grant})
	}
	return out
}

// Assignments returns every assignment edge.
func (s *Store) Assignments() []authz.RoleAssignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]authz.RoleAssignment, 0, len(s.live.assignments))
	for a := range s.live.assignments {
		out = append(out, a)
	}
	return out
}

func (s *Store) GetOrganisation(ctx context.Context, id int64) (org authz.Organisation, err error) {
	err = s.read("GetOrganisation", func(d *data) error { org, err = d.getOrganisation(id); return err })
	return org, err
}

func (s *Store) ListOrganisations(ctx context.Context) (out []authz.Organisation, err error) {
	err = s.read("ListOrganisations", func(d *data) error { out = d.listOrganisations(); return nil })
	return out, err
}

func (s *Store) ListOrganisationMembers(ctx context.Context, orgID int64) (out []int64, err error) {
	err = s.read("ListOrganisationMembers", func(d *data) error { out = d.listMembers(orgID); return nil })
	return out, err
}

func (s *Store) ListPermissions(ctx context.Context) (out []authz.Permission, err error) {
	err = s.read("ListPermissions", func(d *data) error { out = d.listPermissions(); return nil })
	return out, err
}

func (s *Store) CreatePermission(ctx context.Context, name, guard string) (p authz.Permission, err error) {
	err = s.write("CreatePermission", func(d *data) error { p = d.createPermission(name, guard); return nil })
	return p, err
}

func (s *Store) GetTemplate(ctx context.Context, id int64) (t authz.RoleTemplate, err error) {
	err = s.read("GetTemplate", func(d *data) error { t, err = d.getTemplate(id); return err })
	return t, err
}

func (s *Store) ListTemplates(ctx context.Context, orgID *int64) (out []authz.RoleTemplate, err error) {
	err = s.read("ListTemplates", func(d *data) error { out = d.listTemplates(orgID, false); return nil })
	return out, err
}

func (s *Store) ListAllTemplates(ctx context.Context) (out []authz.RoleTemplate, err error) {
	err = s.read("ListAllTemplates", func(d *data) error { out = d.listTemplates(nil, true); return nil })
	return out, err
}

func (s *Store) CreateTemplate(ctx context.Context, tmpl authz.RoleTemplate) (t authz.RoleTemplate, err error) {
	err = s.write("CreateTemplate", func(d *data) error { t, err = d.createTemplate(tmpl); return err })
	return t, err
}

func (s *Store) UpdateTemplate(ctx context.Context, tmpl authz.RoleTemplate) error {
	return s.write("UpdateTemplate", func(d *data) error { return d.updateTemplate(tmpl) })
}

func (s *Store) SetTemplatePermissions(ctx context.Context, templateID int64, permissionIDs []int64) error {
	return s.write("SetTemplatePermissions", func(d *data) error { return d.setBundle(templateID, permissionIDs) })
}

func (s *Store) DeleteTemplate(ctx context.Context, id int64) error {
	return s.write("DeleteTemplate", func(d *data) error { return d.deleteTemplate(id) })
}

func (s *Store) GetRole(ctx context.Context, id int64) (r authz.Role, err error) {
	err = s.read("GetRole", func(d *data) error { r, err = d.getRole(id); return err })
	return r, err
}

func (s *Store) FindRole(ctx context.Context, templateID, orgID int64) (r authz.Role, err error) {
	err = s.read("FindRole", func(d *data) error { r, err = d.findRole(templateID, orgID); return err })
	return r, err
}

func (s *Store) ListRoles(ctx context.Context, orgID int64) (out []authz.Role, err error) {
	err = s.read("ListRoles", func(d *data) error { out = d.listRoles(orgID); return nil })
	return out, err
}

func (s *Store) CreateRole(ctx context.Context, role authz.Role) (r authz.Role, err error) {
	err = s.write("CreateRole", func(d *data) error { r, err = d.createRole(role); return err })
	return r, err
}

func (s *Store) AssignmentExists(ctx context.Context, a authz.RoleAssignment) (ok bool, err error) {
	err = s.read("AssignmentExists", func(d *data) error { _, ok = d.assignments[a]; return nil })
	return ok, err
}

func (s *Store) InsertAssignment(ctx context.Context, a authz.RoleAssignment) error {
	return s.write("InsertAssignment", func(d *data) error { return d.insertAssignment(a) })
}

func (s *Store) DeleteAssignments(ctx context.Context, a authz.RoleAssignment) (n int64, err error) {
	err = s.write("DeleteAssignments", func(d *data) error { n = d.deleteAssignment(a); return nil })
	return n, err
}

func (s *Store) ListAssignedRoleIDs(ctx context.Context, modelType string, modelID, orgID int64) (out []int64, err error) {
	err = s.read("ListAssignedRoleIDs", func(d *data) error { out = d.assignedRoleIDs(modelType, modelID, orgID); return nil })
	return out, err
}

func (s *Store) MoveAssignments(ctx context.Context, fromRoleID, toRoleID int64) (out []int64, err error) {
	err = s.write("MoveAssignments", func(d *data) error { out = d.moveAssignments(fromRoleID, toRoleID); return nil })
	return out, err
}

func (s *Store) GetOverride(ctx context.Context, userID, permissionID, orgID int64) (o authz.PermissionOverride, err error) {
	err = s.read("GetOverride", func(d *data) error { o, err = d.getOverride(userID, permissionID, orgID); return err })
	return o, err
}

func (s *Store) ListOverrides(ctx context.Context, userID, orgID int64) (out []authz.PermissionOverride, err error) {
	err = s.read("ListOverrides", func(d *data) error { out = d.listOverrides(userID, orgID); return nil })
	return out, err
}

func (s *Store) UpsertOverride(ctx context.Context, o authz.PermissionOverride) error {
	return s.write("UpsertOverride", func(d *data) error { return d.upsertOverride(o) })
}

func (s *Store) DeleteOverride(ctx context.Context, userID, permissionID, orgID int64) (n int64, err error) {
	err = s.write("DeleteOverride", func(d *data) error { n = d.deleteOverride(userID, permissionID, orgID); return nil })
	return n, err
}

func sortedIDs(ids []int64) []int64 {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
