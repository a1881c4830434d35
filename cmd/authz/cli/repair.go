package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/authz/internal/authz"
)

type repairFlags struct {
	template         string
	org              int64
	users            []int64
	dryRun           bool
	onlyWithoutRoles bool
	jsonOutput       bool
}

func newRepairCommand(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Consistency repair tools",
	}

	var f repairFlags
	baseline := &cobra.Command{
		Use:   "baseline",
		Short: "Assign the baseline role to members missing it",
		Long:  `For every member of the selected organisations that lacks the baseline role, instantiate the role from its template and assign it. Running it twice changes nothing the second time.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := s.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			template := f.template
			if template == "" {
				template = s.cfg.BaselineTemplate
			}
			report, err := rt.Resolver.RepairBaselineRoles(cmd.Context(), authz.RepairOptions{
				Template:         template,
				OrganisationID:   f.org,
				UserIDs:          f.users,
				OnlyWithoutRoles: f.onlyWithoutRoles,
				DryRun:           f.dryRun,
			})
			if err != nil {
				return err
			}
			if f.jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return printRepair(cmd, report)
		},
	}
	baseline.Flags().StringVar(&f.template, "template", "", "Baseline template name (default AUTHZ_BASELINE_TEMPLATE)")
	baseline.Flags().Int64Var(&f.org, "org", 0, "Limit to one organisation (default all)")
	baseline.Flags().Int64SliceVar(&f.users, "user", nil, "Limit to these user ids (repeatable)")
	baseline.Flags().BoolVar(&f.dryRun, "dry-run", false, "Report without writing")
	baseline.Flags().BoolVar(&f.onlyWithoutRoles, "only-without-roles", false, "Skip members holding any role")
	baseline.Flags().BoolVar(&f.jsonOutput, "json", false, "Print the report as JSON")

	cmd.AddCommand(baseline)
	return cmd
}

func printRepair(cmd *cobra.Command, report authz.RepairReport) error {
	out := cmd.OutOrStdout()
	mode := "applied"
	if report.DryRun {
		mode = "dry run"
	}
	fmt.Fprintf(out, "run %s (%s): template %q, %d organisations, %d members checked\n",
		report.RunID, mode, report.Template, report.Organisations, report.Checked)
	if len(report.Repaired) > 0 {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ORGANISATION\tUSER\tROLE")
		for _, e := range report.Repaired {
			fmt.Fprintf(tw, "%d\t%d\t%d\n", e.OrganisationID, e.UserID, e.RoleID)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	for _, f := range report.Failed {
		fmt.Fprintf(cmd.ErrOrStderr(), "failed: organisation %d user %d: %s\n", f.OrganisationID, f.UserID, f.Error)
	}
	fmt.Fprintf(out, "repaired: %d, failed: %d\n", len(report.Repaired), len(report.Failed))
	return nil
}
