package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-openfinance/core"
)

type InstitutionStore struct {
	db   *bun.DB
	repo repository.Repository[*institutionRecord]
}

// Upsert inserts or updates one directory participant keyed by code.
func (s *InstitutionStore) Upsert(ctx context.Context, in core.UpsertInstitutionInput) (core.Institution, error) {
	if s == nil || s.db == nil {
		return core.Institution{}, fmt.Errorf("sqlstore: institution store is not configured")
	}
	code := strings.TrimSpace(in.Code)
	if code == "" {
		return core.Institution{}, fmt.Errorf("sqlstore: institution code is required")
	}

	now := time.Now().UTC()
	record := newInstitutionRecord(in, now)

	existing, err := s.findByCode(ctx, code)
	if err != nil && !errors.Is(err, core.ErrInstitutionNotFound) {
		return core.Institution{}, err
	}
	if existing != nil {
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
		if _, err := s.db.NewUpdate().
			Model(record).
			WherePK().
			Exec(ctx); err != nil {
			return core.Institution{}, err
		}
		return record.toDomain(), nil
	}

	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.Institution{}, err
	}
	return created.toDomain(), nil
}

func (s *InstitutionStore) Get(ctx context.Context, id string) (core.Institution, error) {
	if s == nil || s.repo == nil {
		return core.Institution{}, fmt.Errorf("sqlstore: institution store is not configured")
	}
	record, err := s.repo.GetByID(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Institution{}, core.ErrInstitutionNotFound
		}
		return core.Institution{}, err
	}
	return record.toDomain(), nil
}

func (s *InstitutionStore) GetByCode(ctx context.Context, code string) (core.Institution, error) {
	if s == nil || s.db == nil {
		return core.Institution{}, fmt.Errorf("sqlstore: institution store is not configured")
	}
	record, err := s.findByCode(ctx, strings.TrimSpace(code))
	if err != nil {
		return core.Institution{}, err
	}
	return record.toDomain(), nil
}

func (s *InstitutionStore) findByCode(ctx context.Context, code string) (*institutionRecord, error) {
	if code == "" {
		return nil, fmt.Errorf("sqlstore: institution code is required")
	}
	record := &institutionRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.code = ?", code).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrInstitutionNotFound
		}
		return nil, err
	}
	return record, nil
}

func (s *InstitutionStore) ListActive(ctx context.Context) ([]core.Institution, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: institution store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.active = ?", true)
		}),
		repository.OrderBy("code ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.Institution, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// DeactivateMissing flips every active institution whose code is absent from
// activeCodes to inactive. Rows are never deleted.
func (s *InstitutionStore) DeactivateMissing(ctx context.Context, activeCodes []string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: institution store is not configured")
	}
	codes := make([]string, 0, len(activeCodes))
	for _, code := range activeCodes {
		code = strings.TrimSpace(code)
		if code != "" {
			codes = append(codes, code)
		}
	}

	query := s.db.NewUpdate().
		Model((*institutionRecord)(nil)).
		Set("active = ?", false).
		Set("updated_at = ?", time.Now().UTC()).
		Where("active = ?", true)
	if len(codes) > 0 {
		query = query.Where("code NOT IN (?)", bun.In(codes))
	}

	result, err := query.Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}
