package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-openfinance/core"
)

// Result reports the fate of every record in one batch.
type Result struct {
	Imported int
	Skipped  int
	Failed   int
}

// Ingestor persists mapped transactions through the transaction store. The
// store's external-reference upsert makes re-ingesting the same batch a
// no-op, so sync retries never duplicate rows.
type Ingestor struct {
	Transactions core.TransactionStore
	Logger       core.Logger

	// CategoryID is assigned to every mapped record in the batch; empty
	// falls back to the default category.
	CategoryID string
}

func NewIngestor(transactions core.TransactionStore) *Ingestor {
	return &Ingestor{Transactions: transactions}
}

// IngestBatch maps and upserts a batch of remote records. Records that
// cannot be mapped count as failed; records already on file count as
// skipped. A store error aborts the batch.
func (i *Ingestor) IngestBatch(ctx context.Context, account core.ConnectedAccount, remotes []core.RemoteTransaction, now time.Time) (Result, error) {
	if i == nil || i.Transactions == nil {
		return Result{}, fmt.Errorf("ingestion: ingestor requires a transaction store")
	}

	result := Result{}
	for _, remote := range remotes {
		tx, err := Map(remote, account, i.CategoryID, now)
		if err != nil {
			result.Failed++
			i.logRecordError(ctx, account.ID, err)
			continue
		}
		inserted, err := i.Transactions.UpsertByExternalReference(ctx, tx)
		if err != nil {
			return result, err
		}
		if inserted {
			result.Imported++
		} else {
			result.Skipped++
		}
	}
	return result, nil
}

func (i *Ingestor) logRecordError(ctx context.Context, accountID string, err error) {
	if i == nil || i.Logger == nil {
		return
	}
	logger := i.Logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	logger.Error("transaction record rejected", "account_id", accountID, "error", err.Error())
}
