// Package cli implements the authz operator commands.
package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/authz/internal/app"
	"github.com/odyssey-erp/authz/internal/authz"
)

// ErrDenied is returned by check when the decision is a denial. main maps it to exit code 2.
var ErrDenied = errors.New("denied")

type rootState struct {
	envFile string
	cfg     *app.Config
	logger  *slog.Logger
	open    Opener
}

// NewRootCommand assembles the command tree. open builds the engine for commands that need it.
func NewRootCommand(open Opener) *cobra.Command {
	s := &rootState{open: open}
	root := &cobra.Command{
		Use:           "authz",
		Short:         "Multi-tenant authorization engine",
		Long:          `authz decides whether a user may exercise a permission inside an organisation, and ships the tooling to seed, migrate and repair its data.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return s.load()
		},
	}
	root.PersistentFlags().StringVar(&s.envFile, "env-file", ".env", "Dotenv file loaded before reading the environment (ignored when missing)")

	root.AddCommand(
		newServeCommand(s),
		newMigrateCommand(s),
		newSeedCommand(s),
		newRepairCommand(s),
		newCheckCommand(s),
		newEffectiveCommand(s),
		newRoleCommand(s),
		newOverrideCommand(s),
		newTemplatesCommand(s),
	)
	return root
}

func (s *rootState) load() error {
	if s.envFile != "" {
		if err := godotenv.Load(s.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", s.envFile, err)
		}
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s.cfg = cfg
	s.logger = app.NewLogger(cfg)
	return nil
}

func (s *rootState) runtime(cmd *cobra.Command) (*Runtime, error) {
	rt, err := s.open(cmd.Context(), s.cfg, s.logger)
	if err != nil {
		return nil, fmt.Errorf("open runtime: %w", err)
	}
	return rt, nil
}

// subjectFlags are shared by commands acting on one user in one organisation.
type subjectFlags struct {
	user int64
	org  int64
}

func (f *subjectFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&f.user, "user", 0, "User id")
	cmd.Flags().Int64Var(&f.org, "org", 0, "Organisation id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("org")
}

func (f subjectFlags) principal() authz.Principal {
	return authz.Principal{ID: f.user, OrganisationID: f.org}
}

func (f subjectFlags) orgRef() authz.OrgRef {
	return authz.OrgByID(f.org)
}

func printChanged(w io.Writer, op string, changed bool) {
	fmt.Fprintf(w, "%s: changed=%s\n", op, strconv.FormatBool(changed))
}
