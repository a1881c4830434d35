package authz

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// RepairOptions scopes a baseline role repair. A zero OrganisationID covers every organisation and
// an empty UserIDs covers every member.
type RepairOptions struct {
	Template         string
	OrganisationID   int64
	UserIDs          []int64
	OnlyWithoutRoles bool
	DryRun           bool
}

// RepairEntry records one principal that received, or would receive, the baseline role.
type RepairEntry struct {
	OrganisationID int64 `json:"organisation_id"`
	UserID         int64 `json:"user_id"`
	RoleID         int64 `json:"role_id,omitempty"`
}

// RepairFailure records a principal the repair could not fix.
type RepairFailure struct {
	OrganisationID int64  `json:"organisation_id"`
	UserID         int64  `json:"user_id"`
	Error          string `json:"error"`
}

// RepairReport summarises a repair run.
type RepairReport struct {
	RunID         string          `json:"run_id"`
	Template      string          `json:"template"`
	DryRun        bool            `json:"dry_run"`
	Organisations int             `json:"organisations"`
	Checked       int             `json:"checked"`
	Repaired      []RepairEntry   `json:"repaired"`
	Failed        []RepairFailure `json:"failed"`
}

// RepairBaselineRoles assigns the baseline template's role to members that lack it. Running it
// twice is a no-op the second time. Per-principal failures are collected and do not stop the run.
func (r *Resolver) RepairBaselineRoles(ctx context.Context, opts RepairOptions) (RepairReport, error) {
	name := strings.TrimSpace(opts.Template)
	if name == "" {
		return RepairReport{}, fmt.Errorf("%w: baseline template required", ErrInvalidInput)
	}
	report := RepairReport{RunID: uuid.NewString(), Template: name, DryRun: opts.DryRun}
	logger := r.logger.With(slog.String("run_id", report.RunID), slog.String("template", name))

	orgs, err := r.repairScope(ctx, opts.OrganisationID)
	if err != nil {
		return report, err
	}
	wanted := make(map[int64]struct{}, len(opts.UserIDs))
	for _, uid := range opts.UserIDs {
		wanted[uid] = struct{}{}
	}
	for _, org := range orgs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, err := r.catalog.GetTemplate(ctx, name, org.ID); err != nil {
			logger.Warn("baseline template unavailable", slog.Int64("organisation_id", org.ID), slog.Any("error", err))
			report.Failed = append(report.Failed, RepairFailure{OrganisationID: org.ID, Error: err.Error()})
			continue
		}
		report.Organisations++
		members, err := r.repo.ListOrganisationMembers(ctx, org.ID)
		if err != nil {
			return report, err
		}
		for _, uid := range members {
			if len(wanted) > 0 {
				if _, ok := wanted[uid]; !ok {
					continue
				}
			}
			report.Checked++
			entry, needed, err := r.repairOne(ctx, Principal{ID: uid, OrganisationID: org.ID}, name, org.ID, opts)
			if err != nil {
				logger.Error("baseline repair failed",
					slog.Int64("organisation_id", org.ID), slog.Int64("user_id", uid), slog.Any("error", err))
				report.Failed = append(report.Failed, RepairFailure{OrganisationID: org.ID, UserID: uid, Error: err.Error()})
				continue
			}
			if needed {
				report.Repaired = append(report.Repaired, entry)
			}
		}
	}
	logger.Info("baseline repair finished",
		slog.Bool("dry_run", opts.DryRun), slog.Int("organisations", report.Organisations),
		slog.Int("checked", report.Checked), slog.Int("repaired", len(report.Repaired)),
		slog.Int("failed", len(report.Failed)))
	return report, nil
}

func (r *Resolver) repairScope(ctx context.Context, orgID int64) ([]Organisation, error) {
	if orgID != 0 {
		org, err := r.Organisation(ctx, OrgByID(orgID))
		if err != nil {
			return nil, err
		}
		return []Organisation{org}, nil
	}
	all, err := r.repo.ListOrganisations(ctx)
	if err != nil {
		return nil, err
	}
	live := make([]Organisation, 0, len(all))
	for _, org := range all {
		if org.DeletedAt == nil {
			live = append(live, org)
		}
	}
	return live, nil
}

func (r *Resolver) repairOne(ctx context.Context, p Principal, name string, orgID int64, opts RepairOptions) (RepairEntry, bool, error) {
	held, err := r.assignments.List(ctx, p, orgID)
	if err != nil {
		return RepairEntry{}, false, err
	}
	if opts.OnlyWithoutRoles && len(held) > 0 {
		return RepairEntry{}, false, nil
	}
	for _, h := range held {
		if h.Template.Name == name {
			return RepairEntry{}, false, nil
		}
	}
	entry := RepairEntry{OrganisationID: orgID, UserID: p.ID}
	if opts.DryRun {
		return entry, true, nil
	}
	if _, err := r.assignments.Assign(ctx, p, RoleByName(name), orgID); err != nil {
		return RepairEntry{}, false, err
	}
	role, err := r.assignments.resolve(ctx, RoleByName(name), orgID, false)
	if err != nil {
		return RepairEntry{}, false, err
	}
	entry.RoleID = role.ID
	return entry, true, nil
}
