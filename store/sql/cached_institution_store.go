package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/goliatone/go-openfinance/core"
)

const institutionCacheKeyPrefix = "go-openfinance::institution::v1"

// CachedInstitutionStore fronts the SQL institution store with a read cache.
// Institution rows only change through directory refresh, so reads during
// consent initiation and token refresh are overwhelmingly cache hits. Writes
// invalidate the touched keys.
type CachedInstitutionStore struct {
	base  core.InstitutionStore
	cache repositorycache.CacheService
}

func NewCachedInstitutionStore(base core.InstitutionStore, cacheService repositorycache.CacheService) (*CachedInstitutionStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base institution store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: institution cache service is required")
	}
	return &CachedInstitutionStore{base: base, cache: cacheService}, nil
}

// InstitutionCacheKey is the deterministic key contract:
// go-openfinance::institution::v1::<kind>::<value> with the value
// URL-path escaped.
func InstitutionCacheKey(kind string, value string) string {
	return strings.Join([]string{
		institutionCacheKeyPrefix,
		kind,
		url.PathEscape(strings.TrimSpace(value)),
	}, "::")
}

func (s *CachedInstitutionStore) Get(ctx context.Context, id string) (core.Institution, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Institution{}, fmt.Errorf("sqlstore: cached institution store is not configured")
	}
	return repositorycache.GetOrFetch(ctx, s.cache, InstitutionCacheKey("id", id), func(ctx context.Context) (core.Institution, error) {
		return s.base.Get(ctx, id)
	})
}

func (s *CachedInstitutionStore) GetByCode(ctx context.Context, code string) (core.Institution, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Institution{}, fmt.Errorf("sqlstore: cached institution store is not configured")
	}
	return repositorycache.GetOrFetch(ctx, s.cache, InstitutionCacheKey("code", code), func(ctx context.Context) (core.Institution, error) {
		return s.base.GetByCode(ctx, code)
	})
}

// ListActive always hits the base store: the list changes shape on every
// refresh and staleness here would hide deactivations from the scheduler.
func (s *CachedInstitutionStore) ListActive(ctx context.Context) ([]core.Institution, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached institution store is not configured")
	}
	return s.base.ListActive(ctx)
}

func (s *CachedInstitutionStore) Upsert(ctx context.Context, in core.UpsertInstitutionInput) (core.Institution, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Institution{}, fmt.Errorf("sqlstore: cached institution store is not configured")
	}
	institution, err := s.base.Upsert(ctx, in)
	if err != nil {
		return core.Institution{}, err
	}
	if err := s.cache.Delete(ctx, InstitutionCacheKey("code", institution.Code)); err != nil {
		return core.Institution{}, err
	}
	if err := s.cache.Delete(ctx, InstitutionCacheKey("id", institution.ID)); err != nil {
		return core.Institution{}, err
	}
	return institution, nil
}

// DeactivateMissing cannot know which rows flipped, so it drops nothing from
// the cache beyond what Upsert already invalidated. Callers that need
// immediate visibility read through ListActive.
func (s *CachedInstitutionStore) DeactivateMissing(ctx context.Context, activeCodes []string) (int, error) {
	if s == nil || s.base == nil {
		return 0, fmt.Errorf("sqlstore: cached institution store is not configured")
	}
	return s.base.DeactivateMissing(ctx, activeCodes)
}

var _ core.InstitutionStore = (*CachedInstitutionStore)(nil)
