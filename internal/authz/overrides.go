package authz

import (
	"context"
	"errors"
	"log/slog"
)

// Overrides stores per-user explicit grants and denies. Each (user, permission, organisation)
// triple has at most one row, so a grant and a deny never coexist.
type Overrides struct {
	repo   Repository
	cache  *cacheLayer
	logger *slog.Logger
}

// List returns the user's overrides in the organisation.
func (o *Overrides) List(ctx context.Context, userID, orgID int64) ([]PermissionOverride, error) {
	return cached(ctx, o.cache, keyOverrides(orgID, userID), func(ctx context.Context) ([]PermissionOverride, error) {
		return o.repo.ListOverrides(ctx, userID, orgID)
	})
}

// Grant records an explicit grant, replacing a deny. It reports whether the row changed.
func (o *Overrides) Grant(ctx context.Context, userID int64, perm Permission, orgID int64) (bool, error) {
	return o.set(ctx, userID, perm, orgID, true)
}

// Deny records an explicit deny, replacing a grant. It reports whether the row changed.
func (o *Overrides) Deny(ctx context.Context, userID int64, perm Permission, orgID int64) (bool, error) {
	return o.set(ctx, userID, perm, orgID, false)
}

// Clear removes any override for the triple and reports whether one existed.
func (o *Overrides) Clear(ctx context.Context, userID int64, perm Permission, orgID int64) (bool, error) {
	n, err := o.repo.DeleteOverride(ctx, userID, perm.ID, orgID)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	return true, o.cache.evict(ctx, keyOverrides(orgID, userID))
}

func (o *Overrides) set(ctx context.Context, userID int64, perm Permission, orgID int64, grant bool) (bool, error) {
	changed := false
	err := o.repo.WithTx(ctx, func(ctx context.Context, tx Store) error {
		changed = false
		current, err := tx.GetOverride(ctx, userID, perm.ID, orgID)
		switch {
		case err == nil && current.Grant == grant:
			return nil
		case err != nil && !errors.Is(err, ErrNotFound):
			return err
		}
		changed = true
		return tx.UpsertOverride(ctx, PermissionOverride{
			UserID:         userID,
			PermissionID:   perm.ID,
			OrganisationID: orgID,
			Grant:          grant,
		})
	})
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	o.logger.Debug("permission override set",
		slog.Int64("user_id", userID), slog.String("permission", perm.Name),
		slog.Int64("organisation_id", orgID), slog.Bool("grant", grant))
	return true, o.cache.evict(ctx, keyOverrides(orgID, userID))
}

func splitOverrides(rows []PermissionOverride) (grants, denies map[int64]struct{}) {
	grants = make(map[int64]struct{})
	denies = make(map[int64]struct{})
	for _, row := range rows {
		if row.Grant {
			grants[row.PermissionID] = struct{}{}
		} else {
			denies[row.PermissionID] = struct{}{}
		}
	}
	return grants, denies
}
