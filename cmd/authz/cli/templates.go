package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/authz/internal/authz"
)

func newTemplatesCommand(s *rootState) *cobra.Command {
	var (
		org        int64
		all        bool
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List role templates",
		Long:  `List the templates visible to one organisation (--org), its own first, or every template in the catalog (--all).`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (org > 0) == all {
				return errors.New("exactly one of --org or --all is required")
			}
			rt, err := s.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			var list []authz.RoleTemplate
			if all {
				list, err = rt.Resolver.Catalog().ListAll(cmd.Context())
			} else {
				list, err = rt.Resolver.Catalog().ListTemplates(cmd.Context(), org)
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{"templates": list})
			}
			printTemplates(cmd.OutOrStdout(), list)
			return nil
		},
	}
	cmd.Flags().Int64Var(&org, "org", 0, "Organisation id")
	cmd.Flags().BoolVar(&all, "all", false, "List every organisation's templates")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print as JSON")
	return cmd
}

func printTemplates(out io.Writer, list []authz.RoleTemplate) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tLEVEL\tSCOPE\tPERMISSIONS")
	for _, t := range list {
		scope := "system"
		if t.OrganisationID != nil {
			scope = "org " + strconv.FormatInt(*t.OrganisationID, 10)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%d\n", t.ID, t.Name, t.Level, scope, len(t.Permissions))
	}
	_ = tw.Flush()
}
