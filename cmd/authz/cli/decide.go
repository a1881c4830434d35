package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/authz/internal/authz"
)

func newCheckCommand(s *rootState) *cobra.Command {
	var (
		f   subjectFlags
		all bool
	)
	cmd := &cobra.Command{
		Use:   "check PERMISSION...",
		Short: "Decide whether a user holds permissions in an organisation",
		Long:  `Print "allowed" or "denied". Several permissions are combined with OR, or with AND when --all is set. A denial exits with status 2.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := s.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			refs := make([]authz.PermissionRef, 0, len(args))
			for _, a := range args {
				refs = append(refs, authz.ParsePermissionRef(a))
			}
			decide := rt.Resolver.HasAny
			if all {
				decide = rt.Resolver.HasAll
			}
			allowed, err := decide(cmd.Context(), f.principal(), refs, f.orgRef())
			if err != nil {
				return err
			}
			if !allowed {
				fmt.Fprintln(cmd.OutOrStdout(), "denied")
				return ErrDenied
			}
			fmt.Fprintln(cmd.OutOrStdout(), "allowed")
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&all, "all", false, "Require every permission instead of any")
	return cmd
}

func newEffectiveCommand(s *rootState) *cobra.Command {
	var (
		f          subjectFlags
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "effective",
		Short: "List the permissions a user holds in an organisation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := s.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			set, err := rt.Resolver.EffectivePermissions(cmd.Context(), f.principal(), f.orgRef())
			if err != nil {
				return err
			}
			names := set.Sorted()
			if jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{"permissions": names})
			}
			if len(names) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(names, "\n"))
			}
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print as JSON")
	return cmd
}

type roleOp func(context.Context, authz.Principal, authz.RoleRef, authz.OrgRef) (bool, error)

func newRoleCommand(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Assign or revoke roles",
	}
	sub := func(use, short string, pick func(*authz.Resolver) roleOp) *cobra.Command {
		var f subjectFlags
		c := &cobra.Command{
			Use:   use + " ROLE",
			Short: short,
			Long:  `ROLE is a template name or a numeric role id.`,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				rt, err := s.runtime(cmd)
				if err != nil {
					return err
				}
				defer rt.Close()
				changed, err := pick(rt.Resolver)(cmd.Context(), f.principal(), authz.ParseRoleRef(args[0]), f.orgRef())
				if err != nil {
					return err
				}
				printChanged(cmd.OutOrStdout(), use, changed)
				return nil
			},
		}
		f.register(c)
		return c
	}
	cmd.AddCommand(
		sub("assign", "Assign a role", func(r *authz.Resolver) roleOp { return r.AssignRole }),
		sub("revoke", "Revoke a role", func(r *authz.Resolver) roleOp { return r.RevokeRole }),
	)
	return cmd
}

type overrideOp func(context.Context, authz.Principal, authz.PermissionRef, authz.OrgRef) (bool, error)

func newOverrideCommand(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "override",
		Short: "Grant, deny or clear per-user permission overrides",
	}
	sub := func(use, short string, pick func(*authz.Resolver) overrideOp) *cobra.Command {
		var f subjectFlags
		c := &cobra.Command{
			Use:   use + " PERMISSION",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				rt, err := s.runtime(cmd)
				if err != nil {
					return err
				}
				defer rt.Close()
				changed, err := pick(rt.Resolver)(cmd.Context(), f.principal(), authz.ParsePermissionRef(args[0]), f.orgRef())
				if err != nil {
					return err
				}
				printChanged(cmd.OutOrStdout(), use, changed)
				return nil
			},
		}
		f.register(c)
		return c
	}
	cmd.AddCommand(
		sub("grant", "Grant a permission regardless of roles", func(r *authz.Resolver) overrideOp { return r.GrantPermission }),
		sub("deny", "Deny a permission; denies dominate every other rule", func(r *authz.Resolver) overrideOp { return r.DenyPermission }),
		sub("clear", "Remove an override", func(r *authz.Resolver) overrideOp { return r.ClearPermission }),
	)
	return cmd
}
