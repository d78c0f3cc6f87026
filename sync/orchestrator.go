package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/goliatone/go-openfinance/core"
	"github.com/goliatone/go-openfinance/ingestion"
)

// ConsentTokenSource resolves the owning consent and a fresh access token
// for it before any institution call. *core.ConsentService satisfies it.
type ConsentTokenSource interface {
	ActiveConsent(ctx context.Context, consentID string) (core.Consent, error)
	EnsureTokenFresh(ctx context.Context, consentID string) (core.Consent, core.ConsentTokens, error)
}

// TransactionIngestor persists a batch of remote transactions idempotently.
type TransactionIngestor interface {
	IngestBatch(ctx context.Context, account core.ConnectedAccount, remotes []core.RemoteTransaction, now time.Time) (ingestion.Result, error)
}

// Orchestrator drives per-account synchronization: it serializes attempts,
// pulls balance and transaction data, retries transient failures, and leaves
// exactly one audit log row per logical attempt.
type Orchestrator struct {
	Accounts core.AccountStore
	Consents ConsentTokenSource
	Logs     core.SyncLogStore
	API      core.ExternalAPIClient
	Ingestor TransactionIngestor
	Locker   core.AccountLocker
	Logger   core.Logger
	Metrics  core.MetricsRecorder
	Config   core.SyncConfig
	Now      func() time.Time
}

func NewOrchestrator(
	accounts core.AccountStore,
	consents ConsentTokenSource,
	logs core.SyncLogStore,
	api core.ExternalAPIClient,
	ingestor TransactionIngestor,
	locker core.AccountLocker,
	cfg core.SyncConfig,
) *Orchestrator {
	return &Orchestrator{
		Accounts: accounts,
		Consents: consents,
		Logs:     logs,
		API:      api,
		Ingestor: ingestor,
		Locker:   locker,
		Metrics:  core.NopMetricsRecorder{},
		Config:   cfg,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (o *Orchestrator) now() time.Time {
	if o == nil || o.Now == nil {
		return time.Now().UTC()
	}
	return o.Now()
}

func (o *Orchestrator) validate() error {
	if o == nil {
		return fmt.Errorf("sync: orchestrator is not configured")
	}
	if o.Accounts == nil || o.Logs == nil {
		return fmt.Errorf("sync: orchestrator requires account and sync log stores")
	}
	if o.Consents == nil {
		return fmt.Errorf("sync: orchestrator requires a consent token source")
	}
	if o.API == nil {
		return fmt.Errorf("sync: orchestrator requires an external api client")
	}
	return nil
}

// TriggerSync runs one logical sync attempt for the account. Disabled
// accounts and stale consents fail fast with a not-syncable error; an
// attempt already in flight fails fast with an already-syncing error.
// Neither fast-fail path produces a log row.
func (o *Orchestrator) TriggerSync(ctx context.Context, accountID string, syncType core.SyncType) (core.AccountSyncLog, error) {
	if err := o.validate(); err != nil {
		return core.AccountSyncLog{}, err
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return core.AccountSyncLog{}, fmt.Errorf("sync: account id is required")
	}
	if err := syncType.Validate(); err != nil {
		return core.AccountSyncLog{}, err
	}

	account, err := o.Accounts.Get(ctx, accountID)
	if err != nil {
		return core.AccountSyncLog{}, err
	}
	if account.SyncStatus == core.AccountSyncStatusDisabled {
		return core.AccountSyncLog{}, core.NewNotSyncableError(
			fmt.Sprintf("sync: account %q is disabled", accountID),
		)
	}
	if account.SyncStatus == core.AccountSyncStatusSyncing {
		return core.AccountSyncLog{}, core.NewAlreadySyncingError(
			fmt.Sprintf("sync: account %q sync already in flight", accountID),
		)
	}

	consent, err := o.Consents.ActiveConsent(ctx, account.ConsentID)
	if err != nil && !core.IsConsentExpired(err) {
		return core.AccountSyncLog{}, err
	}
	if err != nil || !account.Syncable(consent, o.now()) {
		return core.AccountSyncLog{}, core.NewNotSyncableError(
			fmt.Sprintf("sync: account %q consent %q is not active", accountID, account.ConsentID),
		)
	}

	var handle core.LockHandle
	if o.Locker != nil {
		handle, err = o.Locker.Acquire(ctx, accountID, core.DefaultSyncLockTTL)
		if err != nil {
			return core.AccountSyncLog{}, core.NewAlreadySyncingError(
				fmt.Sprintf("sync: account %q lock is held: %v", accountID, err),
			)
		}
		defer func() {
			if unlockErr := handle.Unlock(context.WithoutCancel(ctx)); unlockErr != nil {
				o.logError(ctx, "sync lock release failed", map[string]any{
					"account_id": accountID,
					"error":      unlockErr.Error(),
				})
			}
		}()
	}

	startedAt := o.now()
	account, err = o.Accounts.BeginSync(ctx, accountID, startedAt)
	if err != nil {
		if errors.Is(err, core.ErrSyncInFlight) {
			return core.AccountSyncLog{}, core.NewAlreadySyncingError(
				fmt.Sprintf("sync: account %q sync already in flight", accountID),
			)
		}
		return core.AccountSyncLog{}, err
	}

	attemptID := uuid.NewString()
	o.logInfo(ctx, "sync started", map[string]any{
		"attempt_id": attemptID,
		"account_id": accountID,
		"sync_type":  string(syncType),
	})

	result := o.executeWithRetry(ctx, account, syncType)
	finishedAt := o.now()

	return o.finish(ctx, account, syncType, startedAt, finishedAt, result)
}

type attemptResult struct {
	balance  *decimal.Decimal
	imported int
	failed   int
	outcome  core.SyncOutcome
	err      error
}

// executeWithRetry runs the pull with a bounded number of attempts and a
// fixed delay between them. Only transient failures retry; consent, config,
// and remote 4xx errors abort immediately.
func (o *Orchestrator) executeWithRetry(ctx context.Context, account core.ConnectedAccount, syncType core.SyncType) attemptResult {
	maxAttempts := o.Config.MaxRetryAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	delay := o.Config.RetryDelay()

	var result attemptResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result = o.executeOnce(ctx, account, syncType)
		if result.err == nil {
			return result
		}
		if !core.IsRetryable(result.err) {
			return result
		}
		if attempt == maxAttempts {
			return result
		}
		o.logInfo(ctx, "sync attempt failed, retrying", map[string]any{
			"account_id": account.ID,
			"attempt":    attempt,
			"error":      result.err.Error(),
		})
		if waitErr := core.WaitWithContext(ctx, delay); waitErr != nil {
			result.err = waitErr
			return result
		}
	}
	return result
}

func (o *Orchestrator) executeOnce(ctx context.Context, account core.ConnectedAccount, syncType core.SyncType) attemptResult {
	_, tokens, err := o.Consents.EnsureTokenFresh(ctx, account.ConsentID)
	if err != nil {
		return attemptResult{outcome: core.SyncOutcomeFailed, err: err}
	}

	result := attemptResult{outcome: core.SyncOutcomeSuccess}

	if syncType == core.SyncTypeBalance || syncType == core.SyncTypeFull {
		balance, balErr := o.API.FetchBalance(ctx, account, tokens.AccessToken)
		if balErr != nil {
			return attemptResult{outcome: core.SyncOutcomeFailed, err: balErr}
		}
		amount := balance.Amount
		result.balance = &amount
	}

	if syncType == core.SyncTypeTransactions || syncType == core.SyncTypeFull {
		since, sinceErr := o.lastTransactionSync(ctx, account.ID)
		if sinceErr != nil {
			return attemptResult{outcome: core.SyncOutcomeFailed, err: sinceErr}
		}
		remotes, fetchErr := o.API.FetchTransactions(ctx, account, tokens.AccessToken, since)
		if fetchErr != nil {
			return attemptResult{outcome: core.SyncOutcomeFailed, err: fetchErr}
		}
		if o.Ingestor == nil {
			return attemptResult{outcome: core.SyncOutcomeFailed, err: fmt.Errorf("sync: orchestrator requires a transaction ingestor")}
		}
		ingest, ingestErr := o.Ingestor.IngestBatch(ctx, account, remotes, o.now())
		if ingestErr != nil {
			return attemptResult{outcome: core.SyncOutcomeFailed, err: ingestErr}
		}
		result.imported = ingest.Imported
		result.failed = ingest.Failed
		if ingest.Failed > 0 {
			if ingest.Imported == 0 && ingest.Skipped == 0 {
				result.outcome = core.SyncOutcomeFailed
				result.err = fmt.Errorf("sync: all %d transaction records failed to map", ingest.Failed)
				return result
			}
			result.outcome = core.SyncOutcomePartial
		}
	}

	return result
}

// lastTransactionSync resolves the incremental cursor from the audit log.
// A never-synced account pulls the full history.
func (o *Orchestrator) lastTransactionSync(ctx context.Context, accountID string) (*time.Time, error) {
	last, ok, err := o.Logs.LastSuccessful(ctx, accountID, core.SyncTypeTransactions)
	if err != nil {
		return nil, err
	}
	if !ok {
		last, ok, err = o.Logs.LastSuccessful(ctx, accountID, core.SyncTypeFull)
		if err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, nil
	}
	since := last.FinishedAt.UTC()
	return &since, nil
}

// finish moves the account to its terminal status for this attempt and
// appends the single audit row. Partial outcomes still advance LastSyncedAt:
// the account did receive data.
func (o *Orchestrator) finish(
	ctx context.Context,
	account core.ConnectedAccount,
	syncType core.SyncType,
	startedAt time.Time,
	finishedAt time.Time,
	result attemptResult,
) (core.AccountSyncLog, error) {
	status := core.AccountSyncStatusSuccess
	reason := ""
	outcome := result.outcome
	errorMessage := ""
	var lastSyncedAt *time.Time

	if result.err != nil {
		status = core.AccountSyncStatusFailed
		outcome = core.SyncOutcomeFailed
		reason = result.err.Error()
		errorMessage = result.err.Error()
	} else {
		synced := finishedAt
		lastSyncedAt = &synced
		if outcome == core.SyncOutcomePartial {
			errorMessage = fmt.Sprintf("%d transaction records failed to map", result.failed)
		}
	}

	if _, finishErr := o.Accounts.FinishSync(ctx, core.FinishSyncInput{
		AccountID:    account.ID,
		Status:       status,
		Balance:      result.balance,
		LastSyncedAt: lastSyncedAt,
		Reason:       reason,
	}); finishErr != nil {
		o.logError(ctx, "sync finish update failed", map[string]any{
			"account_id": account.ID,
			"error":      finishErr.Error(),
		})
		if result.err == nil {
			result.err = finishErr
		}
	}

	entry, appendErr := o.Logs.Append(ctx, core.AppendSyncLogInput{
		AccountID:       account.ID,
		SyncType:        syncType,
		Outcome:         outcome,
		RecordsImported: result.imported,
		ErrorMessage:    errorMessage,
		StartedAt:       startedAt,
		FinishedAt:      finishedAt,
	})
	if appendErr != nil {
		o.logError(ctx, "sync log append failed", map[string]any{
			"account_id": account.ID,
			"error":      appendErr.Error(),
		})
		if result.err == nil {
			result.err = appendErr
		}
	}

	o.observe(ctx, syncType, outcome, startedAt, finishedAt)
	if result.err != nil {
		return entry, result.err
	}
	return entry, nil
}

// IsDue reports whether the account needs a sync of the given type based on
// the last attempt of that type and the configured interval. Failed attempts
// pace the schedule too; accounts that never synced are always due.
func (o *Orchestrator) IsDue(ctx context.Context, account core.ConnectedAccount, syncType core.SyncType, now time.Time) (bool, error) {
	if err := syncType.Validate(); err != nil {
		return false, err
	}
	if o == nil || o.Logs == nil {
		return false, fmt.Errorf("sync: orchestrator requires a sync log store")
	}

	last, ok, err := o.Logs.LastForAccount(ctx, account.ID, syncType)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}

	var interval time.Duration
	switch syncType {
	case core.SyncTypeBalance:
		interval = o.Config.BalanceInterval()
	case core.SyncTypeTransactions, core.SyncTypeFull:
		interval = o.Config.TransactionInterval()
	}
	return !last.FinishedAt.UTC().Add(interval).After(now.UTC()), nil
}

// Disable takes the account out of scheduling. Only an operator action
// brings it back through Enable.
func (o *Orchestrator) Disable(ctx context.Context, accountID string, reason string) (core.ConnectedAccount, error) {
	if o == nil || o.Accounts == nil {
		return core.ConnectedAccount{}, fmt.Errorf("sync: orchestrator requires an account store")
	}
	return o.Accounts.UpdateStatus(ctx, strings.TrimSpace(accountID), core.AccountSyncStatusDisabled, strings.TrimSpace(reason))
}

// Enable returns a disabled account to the pending status so the scheduler
// picks it up again.
func (o *Orchestrator) Enable(ctx context.Context, accountID string) (core.ConnectedAccount, error) {
	if o == nil || o.Accounts == nil {
		return core.ConnectedAccount{}, fmt.Errorf("sync: orchestrator requires an account store")
	}
	return o.Accounts.UpdateStatus(ctx, strings.TrimSpace(accountID), core.AccountSyncStatusPending, "")
}

func (o *Orchestrator) observe(ctx context.Context, syncType core.SyncType, outcome core.SyncOutcome, startedAt, finishedAt time.Time) {
	if o == nil || o.Metrics == nil {
		return
	}
	tags := map[string]string{
		"sync_type": string(syncType),
		"outcome":   string(outcome),
	}
	o.Metrics.IncCounter(ctx, core.MetricSyncTotal, 1, tags)
	o.Metrics.ObserveHistogram(ctx, core.MetricSyncDurationMS, float64(finishedAt.Sub(startedAt).Milliseconds()), tags)
}

func (o *Orchestrator) logInfo(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "info", message, fields)
}

func (o *Orchestrator) logError(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "error", message, fields)
}

func (o *Orchestrator) logWithLevel(ctx context.Context, level string, message string, fields map[string]any) {
	if o == nil || o.Logger == nil {
		return
	}
	logger := o.Logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if fieldsLogger, ok := logger.(core.FieldsLogger); ok {
		logger = fieldsLogger.WithFields(fields)
	}
	args := make([]any, 0, len(fields)*2)
	for key, value := range fields {
		args = append(args, key, value)
	}
	switch level {
	case "error":
		logger.Error(message, args...)
	default:
		logger.Info(message, args...)
	}
}
