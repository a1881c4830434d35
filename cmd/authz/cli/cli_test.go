package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/authz/internal/app"
	"github.com/odyssey-erp/authz/internal/authz"
	"github.com/odyssey-erp/authz/internal/authz/memstore"
	"github.com/odyssey-erp/authz/internal/observability"
)

type harness struct {
	store   *memstore.Store
	orgID   int64
	envFile string
	opened  int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv("CACHE_BACKEND", "none")
	store := memstore.New()
	owner := int64(1)
	org := store.AddOrganisation("Acme", &owner)
	store.AddMember(org.ID, 5)
	store.AddMember(org.ID, 6)
	return &harness{store: store, orgID: org.ID, envFile: filepath.Join(t.TempDir(), "missing.env")}
}

func (h *harness) open(_ context.Context, _ *app.Config, _ *slog.Logger) (*Runtime, error) {
	h.opened++
	rt := &Runtime{
		Resolver: authz.NewResolver(h.store, authz.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}),
		Metrics:  observability.NewMetrics(),
	}
	return rt, nil
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand(h.open)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--env-file", h.envFile}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (h *harness) org() string {
	return strconv.FormatInt(h.orgID, 10)
}

func TestSeedIsRepeatable(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "seed")
	require.NoError(t, err)
	require.Contains(t, out, "templates created: super-admin, admin, manager, member, viewer")

	out, err = h.run(t, "seed")
	require.NoError(t, err)
	require.Contains(t, out, "templates created: -")
	require.Contains(t, out, "templates updated: super-admin")
}

func TestCheckFollowsOverrides(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "seed")
	require.NoError(t, err)

	out, err := h.run(t, "role", "assign", "viewer", "--user", "5", "--org", h.org())
	require.NoError(t, err)
	require.Equal(t, "assign: changed=true\n", out)
	out, err = h.run(t, "role", "assign", "viewer", "--user", "5", "--org", h.org())
	require.NoError(t, err)
	require.Equal(t, "assign: changed=false\n", out)

	out, err = h.run(t, "check", "delete board", "--user", "5", "--org", h.org())
	require.ErrorIs(t, err, ErrDenied)
	require.Equal(t, "denied\n", out)

	_, err = h.run(t, "override", "grant", "delete board", "--user", "5", "--org", h.org())
	require.NoError(t, err)
	out, err = h.run(t, "check", "delete board", "--user", "5", "--org", h.org())
	require.NoError(t, err)
	require.Equal(t, "allowed\n", out)

	_, err = h.run(t, "override", "deny", "delete board", "--user", "5", "--org", h.org())
	require.NoError(t, err)
	_, err = h.run(t, "check", "delete board", "--user", "5", "--org", h.org())
	require.ErrorIs(t, err, ErrDenied)
	require.Len(t, h.store.Overrides(), 1)

	_, err = h.run(t, "check", "view board", "delete board", "--all", "--user", "5", "--org", h.org())
	require.ErrorIs(t, err, ErrDenied)
	out, err = h.run(t, "check", "view board", "delete board", "--user", "5", "--org", h.org())
	require.NoError(t, err)
	require.Equal(t, "allowed\n", out)
}

func TestCheckUnknownOrganisationDenies(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "seed")
	require.NoError(t, err)

	_, err = h.run(t, "check", "view board", "--user", "1", "--org", "999")
	require.ErrorIs(t, err, ErrDenied)
}

func TestEffectiveJSON(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "seed")
	require.NoError(t, err)
	_, err = h.run(t, "role", "assign", "viewer", "--user", "6", "--org", h.org())
	require.NoError(t, err)

	out, err := h.run(t, "effective", "--json", "--user", "6", "--org", h.org())
	require.NoError(t, err)
	var body struct {
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	require.Equal(t, []string{"view board", "view task"}, body.Permissions)
}

func TestRepairBaselineIdempotent(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "seed")
	require.NoError(t, err)

	out, err := h.run(t, "repair", "baseline", "--dry-run", "--json")
	require.NoError(t, err)
	var report authz.RepairReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.True(t, report.DryRun)
	require.Len(t, report.Repaired, 2)
	require.Empty(t, h.store.Assignments())

	out, err = h.run(t, "repair", "baseline", "--json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Equal(t, "member", report.Template)
	require.Len(t, report.Repaired, 2)
	require.Len(t, h.store.Assignments(), 2)

	out, err = h.run(t, "repair", "baseline")
	require.NoError(t, err)
	require.Contains(t, out, "repaired: 0, failed: 0")
}

func TestEnvFileSetsBaselineTemplate(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "seed")
	require.NoError(t, err)

	// godotenv never overrides a variable that is already set.
	t.Setenv("AUTHZ_BASELINE_TEMPLATE", "")
	require.NoError(t, os.Unsetenv("AUTHZ_BASELINE_TEMPLATE"))
	h.envFile = filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(h.envFile, []byte("AUTHZ_BASELINE_TEMPLATE=viewer\n"), 0o600))

	out, err := h.run(t, "repair", "baseline", "--json", "--user", "5")
	require.NoError(t, err)
	var report authz.RepairReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Equal(t, "viewer", report.Template)
	require.Equal(t, 1, report.Checked)
	require.Len(t, report.Repaired, 1)
}

func TestMigrateNeedsPostgres(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "migrate", "up")
	require.ErrorContains(t, err, "postgres")
}

func TestRequiredFlags(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "check", "view board", "--user", "5")
	require.Error(t, err)
	require.Zero(t, h.opened)
}

func TestHandlerServesDecisions(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "seed")
	require.NoError(t, err)
	_, err = h.run(t, "role", "assign", "member", "--user", "5", "--org", h.org())
	require.NoError(t, err)

	rt, err := h.open(context.Background(), nil, nil)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(&app.Config{}, logger, rt)

	check := func(principal int64, perm string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/orgs/"+h.org()+"/authorize?permission="+perm, nil)
		req.Header.Set(app.PrincipalHeader, strconv.FormatInt(principal, 10))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}
	require.Equal(t, http.StatusNoContent, check(5, "view+board"))
	require.Equal(t, http.StatusForbidden, check(5, "delete+board"))
	require.Equal(t, http.StatusNoContent, check(1, "delete+board"), "owner bypass")
}

func TestTemplatesListing(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "seed")
	require.NoError(t, err)
	other := h.store.AddOrganisation("Globex", nil)

	resolver := authz.NewResolver(h.store, authz.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	for _, orgID := range []int64{h.orgID, other.ID} {
		_, err = resolver.Catalog().CreateTemplate(context.Background(), authz.TemplateInput{
			OrganisationID: orgID,
			Name:           "board-keeper",
			Level:          30,
			Permissions:    []string{"delete board"},
		})
		require.NoError(t, err)
	}

	decode := func(out string) []authz.RoleTemplate {
		var body struct {
			Templates []authz.RoleTemplate `json:"templates"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &body))
		return body.Templates
	}

	out, err := h.run(t, "templates", "--org", h.org(), "--json")
	require.NoError(t, err)
	visible := decode(out)
	require.Len(t, visible, 6)
	require.Equal(t, "board-keeper", visible[0].Name)
	require.Equal(t, h.orgID, *visible[0].OrganisationID)

	out, err = h.run(t, "templates", "--all", "--json")
	require.NoError(t, err)
	require.Len(t, decode(out), 7)

	out, err = h.run(t, "templates", "--org", h.org())
	require.NoError(t, err)
	require.Contains(t, out, "ID")
	require.Contains(t, out, "org "+h.org())

	_, err = h.run(t, "templates")
	require.Error(t, err)
	_, err = h.run(t, "templates", "--all", "--org", h.org())
	require.Error(t, err)
}
