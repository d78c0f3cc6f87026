package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/goliatone/go-openfinance/core"
	"github.com/goliatone/go-openfinance/ingestion"
)

type memAccounts struct {
	mu   sync.Mutex
	byID map[string]core.ConnectedAccount
}

func newMemAccounts(accounts ...core.ConnectedAccount) *memAccounts {
	store := &memAccounts{byID: map[string]core.ConnectedAccount{}}
	for _, account := range accounts {
		if account.SyncStatus == "" {
			account.SyncStatus = core.AccountSyncStatusPending
		}
		store.byID[account.ID] = account
	}
	return store
}

func (s *memAccounts) get(id string) core.ConnectedAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id]
}

func (s *memAccounts) Create(_ context.Context, in core.CreateAccountInput) (core.ConnectedAccount, error) {
	return core.ConnectedAccount{}, fmt.Errorf("mem accounts: create is not wired in sync tests")
}

func (s *memAccounts) Get(_ context.Context, id string) (core.ConnectedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.byID[id]
	if !ok {
		return core.ConnectedAccount{}, core.ErrAccountNotFound
	}
	return account, nil
}

func (s *memAccounts) ListByConsent(_ context.Context, consentID string) ([]core.ConnectedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.ConnectedAccount{}
	for _, account := range s.byID {
		if account.ConsentID == consentID {
			out = append(out, account)
		}
	}
	return out, nil
}

func (s *memAccounts) ListSyncCandidates(_ context.Context) ([]core.ConnectedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.ConnectedAccount{}
	for _, account := range s.byID {
		if account.SyncStatus == core.AccountSyncStatusDisabled || account.SyncStatus == core.AccountSyncStatusSyncing {
			continue
		}
		out = append(out, account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memAccounts) BeginSync(_ context.Context, accountID string, _ time.Time) (core.ConnectedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.byID[accountID]
	if !ok {
		return core.ConnectedAccount{}, core.ErrAccountNotFound
	}
	switch account.SyncStatus {
	case core.AccountSyncStatusSyncing:
		return core.ConnectedAccount{}, core.ErrSyncInFlight
	case core.AccountSyncStatusDisabled:
		return core.ConnectedAccount{}, core.NewNotSyncableError("mem accounts: account is disabled")
	}
	account.SyncStatus = core.AccountSyncStatusSyncing
	s.byID[accountID] = account
	return account, nil
}

func (s *memAccounts) FinishSync(_ context.Context, in core.FinishSyncInput) (core.ConnectedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.byID[in.AccountID]
	if !ok {
		return core.ConnectedAccount{}, core.ErrAccountNotFound
	}
	if account.SyncStatus != core.AccountSyncStatusSyncing {
		return core.ConnectedAccount{}, fmt.Errorf("mem accounts: account %q is not mid-sync", in.AccountID)
	}
	account.SyncStatus = in.Status
	if in.Balance != nil {
		account.Balance = *in.Balance
	}
	if in.LastSyncedAt != nil {
		at := in.LastSyncedAt.UTC()
		account.LastSyncedAt = &at
	}
	account.LastError = strings.TrimSpace(in.Reason)
	s.byID[in.AccountID] = account
	return account, nil
}

func (s *memAccounts) UpdateStatus(_ context.Context, accountID string, status core.AccountSyncStatus, reason string) (core.ConnectedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.byID[accountID]
	if !ok {
		return core.ConnectedAccount{}, core.ErrAccountNotFound
	}
	if err := account.TransitionTo(status, reason, time.Now().UTC()); err != nil {
		return core.ConnectedAccount{}, err
	}
	s.byID[accountID] = account
	return account, nil
}

type memLogs struct {
	mu   sync.Mutex
	next int
	rows []core.AccountSyncLog
}

func (s *memLogs) Append(_ context.Context, in core.AppendSyncLogInput) (core.AccountSyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := in.SyncType.Validate(); err != nil {
		return core.AccountSyncLog{}, err
	}
	s.next++
	entry := core.AccountSyncLog{
		ID:              fmt.Sprintf("log_%d", s.next),
		AccountID:       in.AccountID,
		SyncType:        in.SyncType,
		Outcome:         in.Outcome,
		RecordsImported: in.RecordsImported,
		ErrorMessage:    in.ErrorMessage,
		StartedAt:       in.StartedAt,
		FinishedAt:      in.FinishedAt,
	}
	s.rows = append(s.rows, entry)
	return entry, nil
}

func (s *memLogs) seed(entry core.AccountSyncLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	if entry.ID == "" {
		entry.ID = fmt.Sprintf("log_%d", s.next)
	}
	s.rows = append(s.rows, entry)
}

func (s *memLogs) latest(accountID string, syncType core.SyncType, successOnly bool) (core.AccountSyncLog, bool) {
	var found core.AccountSyncLog
	var ok bool
	for _, entry := range s.rows {
		if entry.AccountID != accountID || entry.SyncType != syncType {
			continue
		}
		if successOnly && entry.Outcome != core.SyncOutcomeSuccess && entry.Outcome != core.SyncOutcomePartial {
			continue
		}
		if !ok || entry.FinishedAt.After(found.FinishedAt) {
			found = entry
			ok = true
		}
	}
	return found, ok
}

func (s *memLogs) LastSuccessful(_ context.Context, accountID string, syncType core.SyncType) (core.AccountSyncLog, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.latest(accountID, syncType, true)
	return entry, ok, nil
}

func (s *memLogs) LastForAccount(_ context.Context, accountID string, syncType core.SyncType) (core.AccountSyncLog, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.latest(accountID, syncType, false)
	return entry, ok, nil
}

func (s *memLogs) ListByAccount(_ context.Context, accountID string, limit int) ([]core.AccountSyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.AccountSyncLog{}
	for _, entry := range s.rows {
		if entry.AccountID == accountID {
			out = append(out, entry)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memLogs) count(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, entry := range s.rows {
		if entry.AccountID == accountID {
			count++
		}
	}
	return count
}

type stubTokenSource struct {
	err          error
	consentErr   error
	calls        int
	consentCalls int
	mu           sync.Mutex
}

func (s *stubTokenSource) ActiveConsent(context.Context, string) (core.Consent, error) {
	s.mu.Lock()
	s.consentCalls++
	s.mu.Unlock()
	if s.consentErr != nil {
		return core.Consent{}, s.consentErr
	}
	return core.Consent{ID: "consent_1", Status: core.ConsentStatusAuthorized}, nil
}

func (s *stubTokenSource) EnsureTokenFresh(context.Context, string) (core.Consent, core.ConsentTokens, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return core.Consent{}, core.ConsentTokens{}, s.err
	}
	return core.Consent{ID: "consent_1", Status: core.ConsentStatusAuthorized},
		core.ConsentTokens{AccessToken: "access-token", RefreshToken: "refresh-token"},
		nil
}

type stubAPI struct {
	mu           sync.Mutex
	balanceErrs  []error
	balance      decimal.Decimal
	fetchErrs    []error
	remotes      []core.RemoteTransaction
	balanceCalls int
	fetchCalls   int
	lastSince    *time.Time
}

func (a *stubAPI) FetchBalance(_ context.Context, _ core.ConnectedAccount, _ string) (core.Balance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balanceCalls++
	if len(a.balanceErrs) > 0 {
		err := a.balanceErrs[0]
		a.balanceErrs = a.balanceErrs[1:]
		if err != nil {
			return core.Balance{}, err
		}
	}
	return core.Balance{Amount: a.balance, Currency: "BRL"}, nil
}

func (a *stubAPI) FetchTransactions(_ context.Context, _ core.ConnectedAccount, _ string, since *time.Time) ([]core.RemoteTransaction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchCalls++
	a.lastSince = since
	if len(a.fetchErrs) > 0 {
		err := a.fetchErrs[0]
		a.fetchErrs = a.fetchErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return a.remotes, nil
}

type stubIngestor struct {
	result ingestion.Result
	err    error
	calls  int
	mu     sync.Mutex
}

func (i *stubIngestor) IngestBatch(_ context.Context, _ core.ConnectedAccount, remotes []core.RemoteTransaction, _ time.Time) (ingestion.Result, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls++
	if i.err != nil {
		return ingestion.Result{}, i.err
	}
	if i.result == (ingestion.Result{}) {
		return ingestion.Result{Imported: len(remotes)}, nil
	}
	return i.result, nil
}

type orchestratorFixture struct {
	orchestrator *Orchestrator
	accounts     *memAccounts
	logs         *memLogs
	api          *stubAPI
	ingestor     *stubIngestor
	tokens       *stubTokenSource
	now          time.Time
}

func newOrchestratorFixture(accounts ...core.ConnectedAccount) *orchestratorFixture {
	if len(accounts) == 0 {
		accounts = []core.ConnectedAccount{{
			ID:         "acct_1",
			UserID:     "user_1",
			ConsentID:  "consent_1",
			Currency:   "BRL",
			SyncStatus: core.AccountSyncStatusPending,
		}}
	}

	fixture := &orchestratorFixture{
		accounts: newMemAccounts(accounts...),
		logs:     &memLogs{},
		api:      &stubAPI{balance: decimal.RequireFromString("1250.75")},
		ingestor: &stubIngestor{},
		tokens:   &stubTokenSource{},
		now:      time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
	}

	cfg := core.SyncConfig{
		BalanceIntervalMinutes:          15,
		TransactionIntervalHours:        6,
		TokenRefreshBeforeExpiryMinutes: 5,
		MaxRetryAttempts:                3,
		RetryDelayMs:                    0,
	}
	fixture.orchestrator = NewOrchestrator(
		fixture.accounts,
		fixture.tokens,
		fixture.logs,
		fixture.api,
		fixture.ingestor,
		core.NewMemoryAccountLocker(),
		cfg,
	)
	fixture.orchestrator.Now = func() time.Time { return fixture.now }
	return fixture
}
