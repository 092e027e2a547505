// Package auth implements the authorization checks of the accounting
// store. Admin levels and per-account coordinator grants are evaluated
// before any mutation; coordinator scope covers the whole subtree of the
// coordinated account.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/slurm-tools/slacctdb/pkg/acct/models"
	"github.com/slurm-tools/slacctdb/pkg/acct/store"
)

// levelCacheTTL bounds how long a resolved admin level is served without a
// fresh lookup. Kept short so demotions take effect quickly.
const levelCacheTTL = 30 * time.Second

// Authorizer answers access checks against the users and coordinators
// tables. Admin-level lookups of the HTTP layer are cached with a short
// TTL; the authoritative checks of mutating calls always query the store.
type Authorizer struct {
	logger *slog.Logger
	store  *store.Store
	levels *ttlcache.Cache[string, int64]
}

// New returns a new authorizer.
func New(s *store.Store, logger *slog.Logger) *Authorizer {
	levels := ttlcache.New(
		ttlcache.WithTTL[string, int64](levelCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, int64](),
	)

	go levels.Start()

	return &Authorizer{
		logger: logger,
		store:  s,
		levels: levels,
	}
}

// Stop shuts down the cache janitor.
func (a *Authorizer) Stop() {
	a.levels.Stop()
}

// UserLevel returns the admin level of a user straight from the store.
func (a *Authorizer) UserLevel(ctx context.Context, name string) (int64, error) {
	var level int64

	err := a.store.DB().QueryRowContext(
		ctx,
		"SELECT admin_level FROM users WHERE name = ? AND deleted = 0",
		name,
	).Scan(&level)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", store.ErrUserNotFound, name)
	} else if err != nil {
		return 0, err
	}

	return level, nil
}

// CachedUserLevel returns the admin level of a user, serving repeated
// lookups from the TTL cache.
func (a *Authorizer) CachedUserLevel(ctx context.Context, name string) (int64, error) {
	if item := a.levels.Get(name); item != nil {
		return item.Value(), nil
	}

	level, err := a.UserLevel(ctx, name)
	if err != nil {
		return 0, err
	}

	a.levels.Set(name, level, ttlcache.DefaultTTL)

	return level, nil
}

// RequireOperator fails with ErrAccessDenied unless the actor holds at
// least operator level.
func (a *Authorizer) RequireOperator(ctx context.Context, actor string) error {
	level, err := a.UserLevel(ctx, actor)
	if err != nil {
		return err
	}

	if level < models.AdminOperator {
		return fmt.Errorf("%w: %s is not an operator", store.ErrAccessDenied, actor)
	}

	return nil
}

// RequireAdmin fails with ErrAccessDenied unless the actor holds full
// admin level.
func (a *Authorizer) RequireAdmin(ctx context.Context, actor string) error {
	level, err := a.UserLevel(ctx, actor)
	if err != nil {
		return err
	}

	if level < models.AdminFull {
		return fmt.Errorf("%w: %s is not an administrator", store.ErrAccessDenied, actor)
	}

	return nil
}

// CanMutateAccount fails with ErrAccessDenied unless the actor is an
// operator/admin or coordinates an account whose subtree contains the
// target account in the given cluster. The check runs before any mutation
// so denied calls have no side effects.
func (a *Authorizer) CanMutateAccount(ctx context.Context, actor, cluster, acct string) error {
	level, err := a.UserLevel(ctx, actor)
	if err != nil {
		return err
	}

	if level >= models.AdminOperator {
		return nil
	}

	ok, err := a.coordinates(ctx, actor, cluster, acct)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%w: %s does not coordinate account %s on %s", store.ErrAccessDenied, actor, acct, cluster)
	}

	return nil
}

// coordinates reports whether the actor coordinates an account whose
// subtree contains acct, via lft/rgt containment of the account nodes.
func (a *Authorizer) coordinates(ctx context.Context, actor, cluster, acct string) (bool, error) {
	var exists int64

	err := a.store.DB().QueryRowContext(
		ctx,
		`SELECT EXISTS (
			SELECT 1 FROM coordinators c
			JOIN assoc p ON p.cluster = ? AND p.acct = c.acct AND p."user" = '' AND p.deleted = 0
			JOIN assoc n ON n.cluster = p.cluster AND n.lft BETWEEN p.lft AND p.rgt
			WHERE c."user" = ? AND c.deleted = 0 AND n.acct = ? AND n."user" = ''
		)`,
		cluster, actor, acct,
	).Scan(&exists)
	if err != nil {
		return false, err
	}

	return exists == 1, nil
}
