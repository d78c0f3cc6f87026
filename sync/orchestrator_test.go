package sync

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-openfinance/core"
	"github.com/goliatone/go-openfinance/ingestion"
)

func TestTriggerSyncFullSuccess(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.api.remotes = []core.RemoteTransaction{
		{TransactionID: "tx-1"},
		{TransactionID: "tx-2"},
	}

	entry, err := fixture.orchestrator.TriggerSync(context.Background(), "acct_1", core.SyncTypeFull)
	if err != nil {
		t.Fatalf("trigger sync: %v", err)
	}

	if entry.Outcome != core.SyncOutcomeSuccess {
		t.Fatalf("expected success outcome, got %q", entry.Outcome)
	}
	if entry.RecordsImported != 2 {
		t.Fatalf("expected 2 records imported, got %d", entry.RecordsImported)
	}

	account := fixture.accounts.get("acct_1")
	if account.SyncStatus != core.AccountSyncStatusSuccess {
		t.Fatalf("expected success status, got %q", account.SyncStatus)
	}
	if !account.Balance.Equal(fixture.api.balance) {
		t.Fatalf("expected balance %s, got %s", fixture.api.balance, account.Balance)
	}
	if account.LastSyncedAt == nil || !account.LastSyncedAt.Equal(fixture.now) {
		t.Fatalf("expected last_synced_at %v, got %v", fixture.now, account.LastSyncedAt)
	}
	if got := fixture.logs.count("acct_1"); got != 1 {
		t.Fatalf("expected exactly one log row, got %d", got)
	}
}

func TestTriggerSyncBalanceOnlySkipsTransactions(t *testing.T) {
	fixture := newOrchestratorFixture()

	entry, err := fixture.orchestrator.TriggerSync(context.Background(), "acct_1", core.SyncTypeBalance)
	if err != nil {
		t.Fatalf("trigger sync: %v", err)
	}
	if entry.SyncType != core.SyncTypeBalance {
		t.Fatalf("expected balance log entry, got %q", entry.SyncType)
	}
	if fixture.api.fetchCalls != 0 {
		t.Fatalf("balance sync must not fetch transactions, got %d calls", fixture.api.fetchCalls)
	}
	if fixture.api.balanceCalls != 1 {
		t.Fatalf("expected one balance fetch, got %d", fixture.api.balanceCalls)
	}
}

func TestTriggerSyncDisabledAccountFailsFastWithoutLogRow(t *testing.T) {
	fixture := newOrchestratorFixture(core.ConnectedAccount{
		ID:         "acct_1",
		ConsentID:  "consent_1",
		SyncStatus: core.AccountSyncStatusDisabled,
	})

	_, err := fixture.orchestrator.TriggerSync(context.Background(), "acct_1", core.SyncTypeBalance)
	if !core.IsNotSyncable(err) {
		t.Fatalf("expected not syncable error, got: %v", err)
	}
	if got := fixture.logs.count("acct_1"); got != 0 {
		t.Fatalf("fast fail must not append log rows, got %d", got)
	}
}

func TestTriggerSyncInactiveConsentFailsFastWithoutLogRow(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.tokens.consentErr = core.NewConsentExpiredError("consent is not active")

	_, err := fixture.orchestrator.TriggerSync(context.Background(), "acct_1", core.SyncTypeBalance)
	if !core.IsNotSyncable(err) {
		t.Fatalf("expected not syncable error, got: %v", err)
	}
	if got := fixture.logs.count("acct_1"); got != 0 {
		t.Fatalf("fast fail must not append log rows, got %d", got)
	}
	if got := fixture.accounts.get("acct_1").SyncStatus; got != core.AccountSyncStatusPending {
		t.Fatalf("fast fail must leave the account pending, got %q", got)
	}
	if fixture.tokens.calls != 0 {
		t.Fatalf("inactive consent must be rejected before token refresh, got %d refreshes", fixture.tokens.calls)
	}
}

func TestTriggerSyncInFlightFailsFastWithoutLogRow(t *testing.T) {
	fixture := newOrchestratorFixture(core.ConnectedAccount{
		ID:         "acct_1",
		ConsentID:  "consent_1",
		SyncStatus: core.AccountSyncStatusSyncing,
	})

	_, err := fixture.orchestrator.TriggerSync(context.Background(), "acct_1", core.SyncTypeBalance)
	if !core.IsAlreadySyncing(err) {
		t.Fatalf("expected already syncing error, got: %v", err)
	}
	if got := fixture.logs.count("acct_1"); got != 0 {
		t.Fatalf("fast fail must not append log rows, got %d", got)
	}
}

func TestTriggerSyncHeldLockFailsFast(t *testing.T) {
	fixture := newOrchestratorFixture()
	handle, err := fixture.orchestrator.Locker.Acquire(context.Background(), "acct_1", time.Minute)
	if err != nil {
		t.Fatalf("pre-acquire lock: %v", err)
	}
	defer handle.Unlock(context.Background())

	_, err = fixture.orchestrator.TriggerSync(context.Background(), "acct_1", core.SyncTypeBalance)
	if !core.IsAlreadySyncing(err) {
		t.Fatalf("expected already syncing error, got: %v", err)
	}
	if got := fixture.logs.count("acct_1"); got != 0 {
		t.Fatalf("lock contention must not append log rows, got %d", got)
	}
}

func TestTriggerSyncRetriesTransientFailures(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.api.balanceErrs = []error{
		core.NewExternalAPIError(http.StatusServiceUnavailable, "maintenance"),
		core.NewExternalAPIError(0, "connection reset"),
	}

	entry, err := fixture.orchestrator.TriggerSync(context.Background(), "acct_1", core.SyncTypeBalance)
	if err != nil {
		t.Fatalf("trigger sync: %v", err)
	}
	if entry.Outcome != core.SyncOutcomeSuccess {
		t.Fatalf("expected success after retries, got %q", entry.Outcome)
	}
	if fixture.api.balanceCalls != 3 {
		t.Fatalf("expected 3 balance attempts, got %d", fixture.api.balanceCalls)
	}
	if got := fixture.logs.count("acct_1"); got != 1 {
		t.Fatalf("retries within an attempt must leave one log row, got %d", got)
	}
}

func TestTriggerSyncRetryExhaustionMarksAccountFailed(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.api.balanceErrs = []error{
		core.NewExternalAPIError(http.StatusServiceUnavailable, "down"),
		core.NewExternalAPIError(http.StatusServiceUnavailable, "down"),
		core.NewExternalAPIError(http.StatusServiceUnavailable, "down"),
	}

	entry, err := fixture.orchestrator.TriggerSync(context.Background(), "acct_1", core.SyncTypeBalance)
	if err == nil {
		t.Fatalf("expected exhausted retries to propagate the failure")
	}
	if entry.Outcome != core.SyncOutcomeFailed {
		t.Fatalf("expected failed outcome, got %q", entry.Outcome)
	}
	if fixture.api.balanceCalls != 3 {
		t.Fatalf("expected max_retry_attempts balance calls, got %d", fixture.api.balanceCalls)
	}
	if got := fixture.logs.count("acct_1"); got != 1 {
		t.Fatalf("expected exactly one log row for the logical attempt, got %d", got)
	}

	account := fixture.accounts.get("acct_1")
	if account.SyncStatus != core.AccountSyncStatusFailed {
		t.Fatalf("expected failed status, got %q", account.SyncStatus)
	}
	if account.LastSyncedAt != nil {
		t.Fatalf("failed sync must not advance last_synced_at")
	}

	// The account returns to a syncable state for the next pass.
	if _, err := fixture.orchestrator.TriggerSync(context.Background(), "acct_1", core.SyncTypeBalance); err != nil {
		t.Fatalf("failed account must be syncable again: %v", err)
	}
}

func TestTriggerSyncDoesNotRetryConsentExpiry(t *testing.T) {
	// The consent passes the preflight check but the refresh itself fails,
	// as when the institution rejects the refresh token mid-attempt.
	fixture := newOrchestratorFixture()
	fixture.tokens.err = core.NewConsentExpiredError("token expired")

	_, err := fixture.orchestrator.TriggerSync(context.Background(), "acct_1", core.SyncTypeBalance)
	if !core.IsConsentExpired(err) {
		t.Fatalf("expected consent expired error, got: %v", err)
	}
	if fixture.tokens.calls != 1 {
		t.Fatalf("consent expiry must not retry, got %d attempts", fixture.tokens.calls)
	}
	if fixture.accounts.get("acct_1").SyncStatus != core.AccountSyncStatusFailed {
		t.Fatalf("expected failed status")
	}
}

func TestTriggerSyncDoesNotRetryRemoteClientErrors(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.api.balanceErrs = []error{
		core.NewExternalAPIError(http.StatusUnauthorized, "token rejected"),
	}

	_, err := fixture.orchestrator.TriggerSync(context.Background(), "acct_1", core.SyncTypeBalance)
	if err == nil {
		t.Fatalf("expected remote 401 to fail the attempt")
	}
	if fixture.api.balanceCalls != 1 {
		t.Fatalf("remote 4xx must not retry, got %d calls", fixture.api.balanceCalls)
	}
}

func TestTriggerSyncPartialOutcome(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.api.remotes = []core.RemoteTransaction{{TransactionID: "tx-1"}, {TransactionID: ""}}
	fixture.ingestor.result = ingestion.Result{Imported: 1, Failed: 1}

	entry, err := fixture.orchestrator.TriggerSync(context.Background(), "acct_1", core.SyncTypeTransactions)
	if err != nil {
		t.Fatalf("trigger sync: %v", err)
	}
	if entry.Outcome != core.SyncOutcomePartial {
		t.Fatalf("expected partial outcome, got %q", entry.Outcome)
	}
	if !strings.Contains(entry.ErrorMessage, "1 transaction records failed") {
		t.Fatalf("expected failure count in error message, got %q", entry.ErrorMessage)
	}

	account := fixture.accounts.get("acct_1")
	if account.SyncStatus != core.AccountSyncStatusSuccess {
		t.Fatalf("partial runs still finish the account as success, got %q", account.SyncStatus)
	}
	if account.LastSyncedAt == nil {
		t.Fatalf("partial runs must advance last_synced_at")
	}
}

func TestTriggerSyncAllRecordsFailedIsFailure(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.api.remotes = []core.RemoteTransaction{{TransactionID: ""}}
	fixture.ingestor.result = ingestion.Result{Failed: 1}

	entry, err := fixture.orchestrator.TriggerSync(context.Background(), "acct_1", core.SyncTypeTransactions)
	if err == nil {
		t.Fatalf("expected failure when every record fails to map")
	}
	if entry.Outcome != core.SyncOutcomeFailed {
		t.Fatalf("expected failed outcome, got %q", entry.Outcome)
	}
}

func TestTriggerSyncIncrementalCursor(t *testing.T) {
	fixture := newOrchestratorFixture()
	lastFinished := fixture.now.Add(-2 * time.Hour)
	fixture.logs.seed(core.AccountSyncLog{
		AccountID:  "acct_1",
		SyncType:   core.SyncTypeTransactions,
		Outcome:    core.SyncOutcomeSuccess,
		FinishedAt: lastFinished,
	})

	if _, err := fixture.orchestrator.TriggerSync(context.Background(), "acct_1", core.SyncTypeTransactions); err != nil {
		t.Fatalf("trigger sync: %v", err)
	}
	if fixture.api.lastSince == nil || !fixture.api.lastSince.Equal(lastFinished) {
		t.Fatalf("expected since cursor %v, got %v", lastFinished, fixture.api.lastSince)
	}
}

func TestTriggerSyncCursorFallsBackToFullSync(t *testing.T) {
	fixture := newOrchestratorFixture()
	fullFinished := fixture.now.Add(-4 * time.Hour)
	fixture.logs.seed(core.AccountSyncLog{
		AccountID:  "acct_1",
		SyncType:   core.SyncTypeFull,
		Outcome:    core.SyncOutcomePartial,
		FinishedAt: fullFinished,
	})

	if _, err := fixture.orchestrator.TriggerSync(context.Background(), "acct_1", core.SyncTypeTransactions); err != nil {
		t.Fatalf("trigger sync: %v", err)
	}
	if fixture.api.lastSince == nil || !fixture.api.lastSince.Equal(fullFinished) {
		t.Fatalf("expected fallback cursor %v, got %v", fullFinished, fixture.api.lastSince)
	}
}

func TestTriggerSyncNeverSyncedPullsFullHistory(t *testing.T) {
	fixture := newOrchestratorFixture()

	if _, err := fixture.orchestrator.TriggerSync(context.Background(), "acct_1", core.SyncTypeTransactions); err != nil {
		t.Fatalf("trigger sync: %v", err)
	}
	if fixture.api.lastSince != nil {
		t.Fatalf("never-synced account must pull the full history, got since %v", fixture.api.lastSince)
	}
}

func TestIsDue(t *testing.T) {
	fixture := newOrchestratorFixture()
	account := core.ConnectedAccount{ID: "acct_1"}

	t.Run("never synced is due", func(t *testing.T) {
		due, err := fixture.orchestrator.IsDue(context.Background(), account, core.SyncTypeBalance, fixture.now)
		if err != nil {
			t.Fatalf("is due: %v", err)
		}
		if !due {
			t.Fatalf("never-synced account must be due")
		}
	})

	fixture.logs.seed(core.AccountSyncLog{
		AccountID:  "acct_1",
		SyncType:   core.SyncTypeBalance,
		Outcome:    core.SyncOutcomeSuccess,
		FinishedAt: fixture.now,
	})

	t.Run("inside the balance interval", func(t *testing.T) {
		due, err := fixture.orchestrator.IsDue(context.Background(), account, core.SyncTypeBalance, fixture.now.Add(10*time.Minute))
		if err != nil {
			t.Fatalf("is due: %v", err)
		}
		if due {
			t.Fatalf("account must not be due 10 minutes after a sync with a 15 minute interval")
		}
	})

	t.Run("past the balance interval", func(t *testing.T) {
		due, err := fixture.orchestrator.IsDue(context.Background(), account, core.SyncTypeBalance, fixture.now.Add(16*time.Minute))
		if err != nil {
			t.Fatalf("is due: %v", err)
		}
		if !due {
			t.Fatalf("account must be due 16 minutes after a sync with a 15 minute interval")
		}
	})

	t.Run("failed attempt still paces the schedule", func(t *testing.T) {
		fixture.logs.seed(core.AccountSyncLog{
			AccountID:  "acct_1",
			SyncType:   core.SyncTypeBalance,
			Outcome:    core.SyncOutcomeFailed,
			FinishedAt: fixture.now.Add(20 * time.Minute),
		})
		due, err := fixture.orchestrator.IsDue(context.Background(), account, core.SyncTypeBalance, fixture.now.Add(25*time.Minute))
		if err != nil {
			t.Fatalf("is due: %v", err)
		}
		if due {
			t.Fatalf("a fresh failed attempt must not make the account immediately due")
		}
	})

	t.Run("transactions use their own interval", func(t *testing.T) {
		fixture.logs.seed(core.AccountSyncLog{
			AccountID:  "acct_1",
			SyncType:   core.SyncTypeTransactions,
			Outcome:    core.SyncOutcomeSuccess,
			FinishedAt: fixture.now,
		})
		due, err := fixture.orchestrator.IsDue(context.Background(), account, core.SyncTypeTransactions, fixture.now.Add(3*time.Hour))
		if err != nil {
			t.Fatalf("is due: %v", err)
		}
		if due {
			t.Fatalf("transactions must not be due 3 hours into a 6 hour interval")
		}
	})
}

func TestDisableAndEnable(t *testing.T) {
	fixture := newOrchestratorFixture()

	disabled, err := fixture.orchestrator.Disable(context.Background(), "acct_1", "operator request")
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if disabled.SyncStatus != core.AccountSyncStatusDisabled {
		t.Fatalf("expected disabled status, got %q", disabled.SyncStatus)
	}

	if _, err := fixture.orchestrator.TriggerSync(context.Background(), "acct_1", core.SyncTypeBalance); !core.IsNotSyncable(err) {
		t.Fatalf("disabled account must not sync, got: %v", err)
	}

	enabled, err := fixture.orchestrator.Enable(context.Background(), "acct_1")
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if enabled.SyncStatus != core.AccountSyncStatusPending {
		t.Fatalf("expected pending status after enable, got %q", enabled.SyncStatus)
	}

	if _, err := fixture.orchestrator.TriggerSync(context.Background(), "acct_1", core.SyncTypeBalance); err != nil {
		t.Fatalf("re-enabled account must sync: %v", err)
	}
}
