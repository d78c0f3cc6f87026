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

type SyncLogStore struct {
	db   *bun.DB
	repo repository.Repository[*syncLogRecord]
}

func (s *SyncLogStore) Append(ctx context.Context, in core.AppendSyncLogInput) (core.AccountSyncLog, error) {
	if s == nil || s.repo == nil {
		return core.AccountSyncLog{}, fmt.Errorf("sqlstore: sync log store is not configured")
	}
	if strings.TrimSpace(in.AccountID) == "" {
		return core.AccountSyncLog{}, fmt.Errorf("sqlstore: account id is required")
	}
	if err := in.SyncType.Validate(); err != nil {
		return core.AccountSyncLog{}, err
	}

	record := newSyncLogRecord(in, time.Now().UTC())
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.AccountSyncLog{}, err
	}
	return created.toDomain(), nil
}

// LastSuccessful returns the most recent success or partial row for the
// account and sync type. Partial runs count: data did land.
func (s *SyncLogStore) LastSuccessful(ctx context.Context, accountID string, syncType core.SyncType) (core.AccountSyncLog, bool, error) {
	if s == nil || s.db == nil {
		return core.AccountSyncLog{}, false, fmt.Errorf("sqlstore: sync log store is not configured")
	}
	record := &syncLogRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.account_id = ?", strings.TrimSpace(accountID)).
		Where("?TableAlias.sync_type = ?", string(syncType)).
		Where("?TableAlias.outcome IN (?)", bun.In([]string{
			string(core.SyncOutcomeSuccess),
			string(core.SyncOutcomePartial),
		})).
		OrderExpr("?TableAlias.finished_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.AccountSyncLog{}, false, nil
		}
		return core.AccountSyncLog{}, false, err
	}
	return record.toDomain(), true, nil
}

// LastForAccount returns the most recent row regardless of outcome. The
// scheduler uses it so a failed attempt still paces the next one.
func (s *SyncLogStore) LastForAccount(ctx context.Context, accountID string, syncType core.SyncType) (core.AccountSyncLog, bool, error) {
	if s == nil || s.db == nil {
		return core.AccountSyncLog{}, false, fmt.Errorf("sqlstore: sync log store is not configured")
	}
	record := &syncLogRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.account_id = ?", strings.TrimSpace(accountID)).
		Where("?TableAlias.sync_type = ?", string(syncType)).
		OrderExpr("?TableAlias.finished_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.AccountSyncLog{}, false, nil
		}
		return core.AccountSyncLog{}, false, err
	}
	return record.toDomain(), true, nil
}

func (s *SyncLogStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]core.AccountSyncLog, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: sync log store is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("account_id", "=", strings.TrimSpace(accountID)),
		repository.OrderBy("finished_at DESC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.AccountSyncLog, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

var _ core.SyncLogStore = (*SyncLogStore)(nil)
