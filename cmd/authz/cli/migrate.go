package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/authz/internal/platform/db"
)

func newMigrateCommand(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tools",
		Long:  `Apply the embedded schema migrations or report their status.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Run all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return s.withMigrator(cmd, func(m *db.Migrator) error {
					if err := m.Up(cmd.Context()); err != nil {
						return err
					}
					v, err := m.Version(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show migration status",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return s.withMigrator(cmd, func(m *db.Migrator) error {
					return m.Status(cmd.Context())
				})
			},
		},
	)
	return cmd
}

func (s *rootState) withMigrator(cmd *cobra.Command, fn func(*db.Migrator) error) error {
	rt, err := s.runtime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()
	if rt.Pool == nil {
		return errors.New("migrate requires a postgres runtime")
	}
	m, err := db.NewMigrator(rt.Pool, s.logger)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}
