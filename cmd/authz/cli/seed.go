package cli

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/authz/internal/authz"
	"github.com/odyssey-erp/authz/internal/shared"
)

func newSeedCommand(s *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Register permissions and system role templates",
		Long:  `Register every declared permission and create or rewrite the system role templates. Safe to run repeatedly.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := s.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx := cmd.Context()

			for _, name := range shared.AllScopes() {
				if _, err := rt.Resolver.Registry().Ensure(ctx, name, authz.DefaultGuard); err != nil {
					return fmt.Errorf("register %q: %w", name, err)
				}
			}
			report, err := rt.Resolver.Catalog().SyncSystemTemplates(ctx, shared.SystemTemplates())
			if err != nil {
				return err
			}
			s.logger.Info("seed finished",
				slog.Int("permissions", len(shared.AllScopes())),
				slog.Int("templates_created", len(report.Created)),
				slog.Int("templates_updated", len(report.Updated)))

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "permissions: %d\n", len(shared.AllScopes()))
			fmt.Fprintf(out, "templates created: %s\n", joinOrDash(report.Created))
			fmt.Fprintf(out, "templates updated: %s\n", joinOrDash(report.Updated))
			return nil
		},
	}
}

func joinOrDash(names []string) string {
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ", ")
}
