package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/jackc/pgx/v5"

	"toolgate/pkg/models"
)

var ErrUserNotFound = errors.New("user not found")

// DB is the subset of pgxpool.Pool the stores use.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type UserStoreOptions struct {
	CacheTTL    time.Duration
	MaxCost     int64
	Environment string
}

// UserStore loads user contexts from Postgres behind a ristretto L1 cache.
type UserStore struct {
	db          DB
	cache       *ristretto.Cache[string, models.UserContext]
	ttl         time.Duration
	environment string
}

func NewUserStore(db DB, opts UserStoreOptions) (*UserStore, error) {
	if opts.MaxCost <= 0 {
		opts.MaxCost = 10000
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, models.UserContext]{
		NumCounters: opts.MaxCost * 10,
		MaxCost:     opts.MaxCost,
		BufferItems: 64,

		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("user cache: %w", err)
	}
	return &UserStore{db: db, cache: cache, ttl: opts.CacheTTL, environment: opts.Environment}, nil
}

func cacheKey(tenant, userID string) string {
	return tenant + "\x00" + userID
}

// Get returns the user's context. The deployment environment is stamped on
// every result.
func (s *UserStore) Get(ctx context.Context, tenant, userID string) (models.UserContext, error) {
	key := cacheKey(tenant, userID)
	if u, ok := s.cache.Get(key); ok {
		return u, nil
	}
	u, err := s.load(ctx, tenant, userID)
	if err != nil {
		return models.UserContext{}, err
	}
	s.cache.SetWithTTL(key, u, 1, s.ttl)
	s.cache.Wait()
	return u, nil
}

func (s *UserStore) load(ctx context.Context, tenant, userID string) (models.UserContext, error) {
	u := models.UserContext{UserID: userID, Tenant: tenant, Environment: s.environment}
	var plan string
	err := s.db.QueryRow(ctx, `SELECT plan, is_developer FROM users WHERE tenant=$1 AND user_id=$2`, tenant, userID).
		Scan(&plan, &u.IsDeveloper)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UserContext{}, ErrUserNotFound
	}
	if err != nil {
		return models.UserContext{}, fmt.Errorf("load user: %w", err)
	}
	tier, err := models.ParsePlanTier(plan)
	if err != nil {
		return models.UserContext{}, fmt.Errorf("load user: %w", err)
	}
	u.Plan = tier

	rows, err := s.db.Query(ctx, `SELECT flag, enabled FROM user_feature_flags WHERE tenant=$1 AND user_id=$2`, tenant, userID)
	if err != nil {
		return models.UserContext{}, fmt.Errorf("load flags: %w", err)
	}
	u.FeatureFlags = map[string]bool{}
	for rows.Next() {
		var name string
		var enabled bool
		if err := rows.Scan(&name, &enabled); err != nil {
			rows.Close()
			return models.UserContext{}, fmt.Errorf("scan flag: %w", err)
		}
		u.FeatureFlags[name] = enabled
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return models.UserContext{}, fmt.Errorf("load flags: %w", err)
	}

	if u.Roles, err = s.strings(ctx, `SELECT role FROM user_roles WHERE tenant=$1 AND user_id=$2`, tenant, userID); err != nil {
		return models.UserContext{}, fmt.Errorf("load roles: %w", err)
	}
	if u.Grants, err = s.strings(ctx, `SELECT permission FROM user_grants WHERE tenant=$1 AND user_id=$2`, tenant, userID); err != nil {
		return models.UserContext{}, fmt.Errorf("load grants: %w", err)
	}
	return u, nil
}

func (s *UserStore) strings(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Invalidate drops the cached entry so the next Get reads Postgres.
func (s *UserStore) Invalidate(tenant, userID string) {
	s.cache.Del(cacheKey(tenant, userID))
	s.cache.Wait()
}

func (s *UserStore) Close() {
	s.cache.Close()
}
