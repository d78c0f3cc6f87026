package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-openfinance/core"
)

type TransactionStore struct {
	db   *bun.DB
	repo repository.Repository[*transactionRecord]
}

// UpsertByExternalReference inserts the transaction unless a row with the
// same (account_id, external_reference) already exists. The conflict target
// is the unique index; re-running a batch is a no-op. The bool reports
// whether a row was inserted.
func (s *TransactionStore) UpsertByExternalReference(ctx context.Context, tx core.Transaction) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: transaction store is not configured")
	}
	if strings.TrimSpace(tx.AccountID) == "" {
		return false, fmt.Errorf("sqlstore: account id is required")
	}
	if strings.TrimSpace(tx.ExternalReference) == "" {
		return false, core.ErrMissingTransactionID
	}

	record := newTransactionRecord(tx, time.Now().UTC())
	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}

	result, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (account_id, external_reference) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *TransactionStore) CountByAccount(ctx context.Context, accountID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: transaction store is not configured")
	}
	count, err := s.db.NewSelect().
		Model((*transactionRecord)(nil)).
		Where("?TableAlias.account_id = ?", strings.TrimSpace(accountID)).
		Count(ctx)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ListByAccount returns recent transactions ordered by booking date.
func (s *TransactionStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]core.Transaction, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: transaction store is not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("account_id", "=", strings.TrimSpace(accountID)),
		repository.OrderBy("date DESC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.Transaction, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

var _ core.TransactionStore = (*TransactionStore)(nil)
