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

type AccountStore struct {
	db   *bun.DB
	repo repository.Repository[*accountRecord]
}

func (s *AccountStore) Create(ctx context.Context, in core.CreateAccountInput) (core.ConnectedAccount, error) {
	if s == nil || s.repo == nil {
		return core.ConnectedAccount{}, fmt.Errorf("sqlstore: account store is not configured")
	}
	if strings.TrimSpace(in.ConsentID) == "" {
		return core.ConnectedAccount{}, fmt.Errorf("sqlstore: consent id is required")
	}
	if strings.TrimSpace(in.ExternalAccountID) == "" {
		return core.ConnectedAccount{}, fmt.Errorf("sqlstore: external account id is required")
	}

	record := newAccountRecord(in, time.Now().UTC())
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.ConnectedAccount{}, err
	}
	return created.toDomain(), nil
}

func (s *AccountStore) Get(ctx context.Context, id string) (core.ConnectedAccount, error) {
	if s == nil || s.repo == nil {
		return core.ConnectedAccount{}, fmt.Errorf("sqlstore: account store is not configured")
	}
	record, err := s.repo.GetByID(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.ConnectedAccount{}, core.ErrAccountNotFound
		}
		return core.ConnectedAccount{}, err
	}
	return record.toDomain(), nil
}

func (s *AccountStore) ListByConsent(ctx context.Context, consentID string) ([]core.ConnectedAccount, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: account store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("consent_id", "=", strings.TrimSpace(consentID)),
		repository.OrderBy("created_at ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.ConnectedAccount, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// ListSyncCandidates returns accounts the scheduler should consider: every
// account that is not disabled and not mid-sync.
func (s *AccountStore) ListSyncCandidates(ctx context.Context) ([]core.ConnectedAccount, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: account store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.sync_status NOT IN (?)", bun.In([]string{
				string(core.AccountSyncStatusDisabled),
				string(core.AccountSyncStatusSyncing),
			}))
		}),
		repository.OrderBy("created_at ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.ConnectedAccount, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// BeginSync is a single conditional update: the row moves to syncing only
// from a status that allows it. Zero rows affected means another worker got
// there first or the account is not eligible.
func (s *AccountStore) BeginSync(ctx context.Context, accountID string, startedAt time.Time) (core.ConnectedAccount, error) {
	if s == nil || s.db == nil {
		return core.ConnectedAccount{}, fmt.Errorf("sqlstore: account store is not configured")
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return core.ConnectedAccount{}, fmt.Errorf("sqlstore: account id is required")
	}

	result, err := s.db.NewUpdate().
		Model((*accountRecord)(nil)).
		Set("sync_status = ?", string(core.AccountSyncStatusSyncing)).
		Set("updated_at = ?", startedAt.UTC()).
		Where("id = ?", accountID).
		Where("sync_status IN (?)", bun.In([]string{
			string(core.AccountSyncStatusPending),
			string(core.AccountSyncStatusSuccess),
			string(core.AccountSyncStatusFailed),
		})).
		Exec(ctx)
	if err != nil {
		return core.ConnectedAccount{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return core.ConnectedAccount{}, err
	}
	if affected == 0 {
		current, getErr := s.Get(ctx, accountID)
		if getErr != nil {
			return core.ConnectedAccount{}, getErr
		}
		if current.SyncStatus == core.AccountSyncStatusSyncing {
			return core.ConnectedAccount{}, core.ErrSyncInFlight
		}
		return core.ConnectedAccount{}, core.NewNotSyncableError(
			fmt.Sprintf("sqlstore: account %q is %s and cannot sync", accountID, current.SyncStatus),
		)
	}
	return s.Get(ctx, accountID)
}

// FinishSync records the terminal state of one attempt. Balance and
// LastSyncedAt only change when the attempt produced them.
func (s *AccountStore) FinishSync(ctx context.Context, in core.FinishSyncInput) (core.ConnectedAccount, error) {
	if s == nil || s.db == nil {
		return core.ConnectedAccount{}, fmt.Errorf("sqlstore: account store is not configured")
	}
	accountID := strings.TrimSpace(in.AccountID)
	if accountID == "" {
		return core.ConnectedAccount{}, fmt.Errorf("sqlstore: account id is required")
	}
	if in.Status != core.AccountSyncStatusSuccess && in.Status != core.AccountSyncStatusFailed {
		return core.ConnectedAccount{}, fmt.Errorf("sqlstore: finish status must be success or failed, got %q", in.Status)
	}

	now := time.Now().UTC()
	query := s.db.NewUpdate().
		Model((*accountRecord)(nil)).
		Set("sync_status = ?", string(in.Status)).
		Set("last_error = ?", strings.TrimSpace(in.Reason)).
		Set("updated_at = ?", now).
		Where("id = ?", accountID).
		Where("sync_status = ?", string(core.AccountSyncStatusSyncing))
	if in.Balance != nil {
		query = query.Set("balance = ?", *in.Balance)
	}
	if in.LastSyncedAt != nil {
		query = query.Set("last_synced_at = ?", in.LastSyncedAt.UTC())
	}

	result, err := query.Exec(ctx)
	if err != nil {
		return core.ConnectedAccount{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return core.ConnectedAccount{}, err
	}
	if affected == 0 {
		return core.ConnectedAccount{}, fmt.Errorf("sqlstore: account %q is not mid-sync", accountID)
	}
	return s.Get(ctx, accountID)
}

// UpdateStatus applies operator-driven transitions (disable, re-enable)
// through the domain transition rules.
func (s *AccountStore) UpdateStatus(ctx context.Context, accountID string, status core.AccountSyncStatus, reason string) (core.ConnectedAccount, error) {
	if s == nil || s.repo == nil {
		return core.ConnectedAccount{}, fmt.Errorf("sqlstore: account store is not configured")
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return core.ConnectedAccount{}, fmt.Errorf("sqlstore: account id is required")
	}

	record, err := s.repo.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.ConnectedAccount{}, core.ErrAccountNotFound
		}
		return core.ConnectedAccount{}, err
	}

	now := time.Now().UTC()
	account := record.toDomain()
	if err := account.TransitionTo(status, reason, now); err != nil {
		return core.ConnectedAccount{}, err
	}

	record.SyncStatus = string(account.SyncStatus)
	record.LastError = account.LastError
	record.UpdatedAt = now

	updated, err := s.repo.Update(ctx, record, repository.UpdateByID(accountID))
	if err != nil {
		return core.ConnectedAccount{}, err
	}
	return updated.toDomain(), nil
}

var _ core.AccountStore = (*AccountStore)(nil)
