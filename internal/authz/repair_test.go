package authz_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/authz/internal/authz"
	"github.com/odyssey-erp/authz/internal/shared"
)

func TestRepairBaselineRoles(t *testing.T) {
	h := newHarness(t, true)
	h.store.AddMember(h.org.ID, 7)
	h.assign(t, aliceID, shared.BaselineTemplate)
	h.assign(t, bobID, "viewer")
	opts := authz.RepairOptions{Template: shared.BaselineTemplate, OrganisationID: h.org.ID}

	dry := opts
	dry.DryRun = true
	report, err := h.resolver.RepairBaselineRoles(h.ctx, dry)
	require.NoError(t, err)
	require.True(t, report.DryRun)
	require.NotEmpty(t, report.RunID)
	require.Equal(t, 1, report.Organisations)
	require.Equal(t, 3, report.Checked)
	require.Len(t, report.Repaired, 2)
	require.Len(t, h.store.Assignments(), 2, "a dry run writes nothing")

	report, err = h.resolver.RepairBaselineRoles(h.ctx, opts)
	require.NoError(t, err)
	require.Empty(t, report.Failed)
	require.Len(t, report.Repaired, 2)
	for _, entry := range report.Repaired {
		require.Positive(t, entry.RoleID)
		held, err := h.resolver.HasRole(h.ctx, authz.Principal{ID: entry.UserID}, authz.RoleByName(shared.BaselineTemplate), h.orgRef())
		require.NoError(t, err)
		require.True(t, held)
	}

	report, err = h.resolver.RepairBaselineRoles(h.ctx, opts)
	require.NoError(t, err)
	require.Empty(t, report.Repaired, "a second run is a no-op")
}

func TestRepairOnlyWithoutRoles(t *testing.T) {
	h := newHarness(t, false)
	h.store.AddMember(h.org.ID, 7)
	h.assign(t, bobID, "viewer")

	report, err := h.resolver.RepairBaselineRoles(h.ctx, authz.RepairOptions{
		Template:         shared.BaselineTemplate,
		OnlyWithoutRoles: true,
		UserIDs:          []int64{bobID, 7},
	})
	require.NoError(t, err)
	require.Equal(t, 2, report.Checked)
	require.Len(t, report.Repaired, 1)
	require.Equal(t, int64(7), report.Repaired[0].UserID)
}

func TestRepairScopes(t *testing.T) {
	h := newHarness(t, false)
	other := h.store.AddOrganisation("Globex", nil)
	h.store.AddMember(other.ID, 9)
	gone := h.store.AddOrganisation("Initech", nil)
	h.store.AddMember(gone.ID, 10)
	h.store.SoftDeleteOrganisation(gone.ID)

	report, err := h.resolver.RepairBaselineRoles(h.ctx, authz.RepairOptions{Template: shared.BaselineTemplate})
	require.NoError(t, err)
	require.Equal(t, 2, report.Organisations, "soft-deleted organisations are skipped")
	require.Len(t, report.Repaired, 3)

	_, err = h.resolver.RepairBaselineRoles(h.ctx, authz.RepairOptions{Template: " "})
	require.ErrorIs(t, err, authz.ErrInvalidInput)
	_, err = h.resolver.RepairBaselineRoles(h.ctx, authz.RepairOptions{Template: shared.BaselineTemplate, OrganisationID: gone.ID})
	require.ErrorIs(t, err, authz.ErrNotFound)

	report, err = h.resolver.RepairBaselineRoles(h.ctx, authz.RepairOptions{Template: "pilot"})
	require.NoError(t, err)
	require.Zero(t, report.Organisations)
	require.Len(t, report.Failed, 2)
	require.Zero(t, report.Failed[0].UserID)
}
