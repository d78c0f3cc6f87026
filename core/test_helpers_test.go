package core

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type testSecretProvider struct{}

func (testSecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("test secret provider: plaintext is required")
	}
	encoded := base64.StdEncoding.EncodeToString(plaintext)
	return []byte("enc:" + encoded), nil
}

func (testSecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	value := strings.TrimSpace(string(ciphertext))
	if value == "" || !strings.HasPrefix(value, "enc:") {
		return nil, fmt.Errorf("test secret provider: invalid ciphertext")
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, "enc:"))
	if err != nil {
		return nil, fmt.Errorf("test secret provider: decode ciphertext: %w", err)
	}
	return decoded, nil
}

type stubTokenClient struct {
	exchangeFn func(ctx context.Context, institution Institution, code string, redirectURI string) (TokenGrant, error)
	refreshFn  func(ctx context.Context, institution Institution, refreshToken string) (TokenGrant, error)

	mu           sync.Mutex
	exchangeCall int
	refreshCall  int
}

func (c *stubTokenClient) ExchangeCode(ctx context.Context, institution Institution, code string, redirectURI string) (TokenGrant, error) {
	c.mu.Lock()
	c.exchangeCall++
	c.mu.Unlock()
	if c.exchangeFn == nil {
		return TokenGrant{AccessToken: "access-token", RefreshToken: "refresh-token", TokenType: "bearer", ExpiresIn: time.Hour}, nil
	}
	return c.exchangeFn(ctx, institution, code, redirectURI)
}

func (c *stubTokenClient) RefreshToken(ctx context.Context, institution Institution, refreshToken string) (TokenGrant, error) {
	c.mu.Lock()
	c.refreshCall++
	c.mu.Unlock()
	if c.refreshFn == nil {
		return TokenGrant{AccessToken: "access-token-2", RefreshToken: "refresh-token-2", TokenType: "bearer", ExpiresIn: time.Hour}, nil
	}
	return c.refreshFn(ctx, institution, refreshToken)
}

func (c *stubTokenClient) exchangeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchangeCall
}

func (c *stubTokenClient) refreshCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshCall
}

type memoryInstitutionStore struct {
	mu   sync.Mutex
	next int
	byID map[string]Institution
}

func newMemoryInstitutionStore() *memoryInstitutionStore {
	return &memoryInstitutionStore{byID: map[string]Institution{}}
}

func (s *memoryInstitutionStore) seed(institution Institution) Institution {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(institution.ID) == "" {
		s.next++
		institution.ID = fmt.Sprintf("inst_%d", s.next)
	}
	s.byID[institution.ID] = institution
	return institution
}

func (s *memoryInstitutionStore) Upsert(_ context.Context, in UpsertInstitutionInput) (Institution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.byID {
		if existing.Code == in.Code {
			existing.Name = in.Name
			existing.APIBaseURL = in.APIBaseURL
			existing.SandboxBaseURL = in.SandboxBaseURL
			existing.AuthorizationURL = in.AuthorizationURL
			existing.TokenURL = in.TokenURL
			existing.CertificateRequired = in.CertificateRequired
			existing.Active = in.Active
			s.byID[id] = existing
			return existing, nil
		}
	}
	s.next++
	institution := Institution{
		ID:                  fmt.Sprintf("inst_%d", s.next),
		Code:                in.Code,
		Name:                in.Name,
		APIBaseURL:          in.APIBaseURL,
		SandboxBaseURL:      in.SandboxBaseURL,
		AuthorizationURL:    in.AuthorizationURL,
		TokenURL:            in.TokenURL,
		CertificateRequired: in.CertificateRequired,
		Active:              in.Active,
	}
	s.byID[institution.ID] = institution
	return institution, nil
}

func (s *memoryInstitutionStore) Get(_ context.Context, id string) (Institution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	institution, ok := s.byID[id]
	if !ok {
		return Institution{}, ErrInstitutionNotFound
	}
	return institution, nil
}

func (s *memoryInstitutionStore) GetByCode(_ context.Context, code string) (Institution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, institution := range s.byID {
		if institution.Code == code {
			return institution, nil
		}
	}
	return Institution{}, ErrInstitutionNotFound
}

func (s *memoryInstitutionStore) ListActive(_ context.Context) ([]Institution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Institution{}
	for _, institution := range s.byID {
		if institution.Active {
			out = append(out, institution)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *memoryInstitutionStore) DeactivateMissing(_ context.Context, activeCodes []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := map[string]struct{}{}
	for _, code := range activeCodes {
		keep[code] = struct{}{}
	}
	count := 0
	for id, institution := range s.byID {
		if !institution.Active {
			continue
		}
		if _, ok := keep[institution.Code]; ok {
			continue
		}
		institution.Active = false
		s.byID[id] = institution
		count++
	}
	return count, nil
}

type memoryConsentStore struct {
	mu   sync.Mutex
	next int
	byID map[string]Consent
	now  func() time.Time
}

func newMemoryConsentStore(now func() time.Time) *memoryConsentStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &memoryConsentStore{byID: map[string]Consent{}, now: now}
}

func (s *memoryConsentStore) seed(consent Consent) Consent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(consent.ID) == "" {
		s.next++
		consent.ID = fmt.Sprintf("consent_%d", s.next)
	}
	s.byID[consent.ID] = consent
	return consent
}

func (s *memoryConsentStore) Create(_ context.Context, in CreateConsentInput) (Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	now := s.now()
	consent := Consent{
		ID:              fmt.Sprintf("consent_%d", s.next),
		UserID:          in.UserID,
		InstitutionID:   in.InstitutionID,
		Status:          ConsentStatusPending,
		RequestedScopes: append([]string(nil), in.RequestedScopes...),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.byID[consent.ID] = consent
	return consent, nil
}

func (s *memoryConsentStore) Get(_ context.Context, id string) (Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	consent, ok := s.byID[id]
	if !ok {
		return Consent{}, ErrConsentNotFound
	}
	return consent, nil
}

func (s *memoryConsentStore) FindByUserInstitution(_ context.Context, userID string, institutionID string) ([]Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Consent{}
	for _, consent := range s.byID {
		if consent.UserID == userID && consent.InstitutionID == institutionID {
			out = append(out, consent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryConsentStore) SaveTokens(_ context.Context, in SaveConsentTokensInput) (Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	consent, ok := s.byID[in.ConsentID]
	if !ok {
		return Consent{}, ErrConsentNotFound
	}
	consent.EncryptedPayload = append([]byte(nil), in.EncryptedPayload...)
	consent.PayloadFormat = in.PayloadFormat
	consent.PayloadVersion = in.PayloadVersion
	consent.GrantedScopes = append([]string(nil), in.GrantedScopes...)
	consent.ExpiresAt = in.ExpiresAt
	consent.UpdatedAt = s.now()
	s.byID[consent.ID] = consent
	return consent, nil
}

func (s *memoryConsentStore) UpdateStatus(_ context.Context, id string, status ConsentStatus, reason string) (Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	consent, ok := s.byID[id]
	if !ok {
		return Consent{}, ErrConsentNotFound
	}
	if err := consent.TransitionTo(status, reason, s.now()); err != nil {
		return Consent{}, err
	}
	s.byID[id] = consent
	return consent, nil
}

type memoryAccountStore struct {
	mu   sync.Mutex
	next int
	byID map[string]ConnectedAccount
	now  func() time.Time
}

func newMemoryAccountStore(now func() time.Time) *memoryAccountStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &memoryAccountStore{byID: map[string]ConnectedAccount{}, now: now}
}

func (s *memoryAccountStore) seed(account ConnectedAccount) ConnectedAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(account.ID) == "" {
		s.next++
		account.ID = fmt.Sprintf("acct_%d", s.next)
	}
	if account.SyncStatus == "" {
		account.SyncStatus = AccountSyncStatusPending
	}
	s.byID[account.ID] = account
	return account
}

func (s *memoryAccountStore) Create(_ context.Context, in CreateAccountInput) (ConnectedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byID {
		if existing.InstitutionID == in.InstitutionID && existing.ExternalAccountID == in.ExternalAccountID {
			return ConnectedAccount{}, fmt.Errorf("memory account store: duplicate external account")
		}
	}
	s.next++
	now := s.now()
	account := ConnectedAccount{
		ID:                fmt.Sprintf("acct_%d", s.next),
		UserID:            in.UserID,
		ConsentID:         in.ConsentID,
		InstitutionID:     in.InstitutionID,
		ExternalAccountID: in.ExternalAccountID,
		AccountType:       in.AccountType,
		Currency:          in.Currency,
		SyncStatus:        AccountSyncStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.byID[account.ID] = account
	return account, nil
}

func (s *memoryAccountStore) Get(_ context.Context, id string) (ConnectedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.byID[id]
	if !ok {
		return ConnectedAccount{}, ErrAccountNotFound
	}
	return account, nil
}

func (s *memoryAccountStore) ListByConsent(_ context.Context, consentID string) ([]ConnectedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []ConnectedAccount{}
	for _, account := range s.byID {
		if account.ConsentID == consentID {
			out = append(out, account)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryAccountStore) ListSyncCandidates(_ context.Context) ([]ConnectedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []ConnectedAccount{}
	for _, account := range s.byID {
		if account.SyncStatus == AccountSyncStatusDisabled || account.SyncStatus == AccountSyncStatusSyncing {
			continue
		}
		out = append(out, account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryAccountStore) BeginSync(_ context.Context, accountID string, _ time.Time) (ConnectedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.byID[accountID]
	if !ok {
		return ConnectedAccount{}, ErrAccountNotFound
	}
	switch account.SyncStatus {
	case AccountSyncStatusSyncing:
		return ConnectedAccount{}, ErrSyncInFlight
	case AccountSyncStatusDisabled:
		return ConnectedAccount{}, NewNotSyncableError(
			fmt.Sprintf("memory account store: account %q is disabled", accountID),
		)
	}
	account.SyncStatus = AccountSyncStatusSyncing
	account.UpdatedAt = s.now()
	s.byID[accountID] = account
	return account, nil
}

func (s *memoryAccountStore) FinishSync(_ context.Context, in FinishSyncInput) (ConnectedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.byID[in.AccountID]
	if !ok {
		return ConnectedAccount{}, ErrAccountNotFound
	}
	if account.SyncStatus != AccountSyncStatusSyncing {
		return ConnectedAccount{}, fmt.Errorf("memory account store: account %q is not mid-sync", in.AccountID)
	}
	if in.Status != AccountSyncStatusSuccess && in.Status != AccountSyncStatusFailed {
		return ConnectedAccount{}, fmt.Errorf("memory account store: invalid finish status %q", in.Status)
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
	account.UpdatedAt = s.now()
	s.byID[in.AccountID] = account
	return account, nil
}

func (s *memoryAccountStore) UpdateStatus(_ context.Context, accountID string, status AccountSyncStatus, reason string) (ConnectedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.byID[accountID]
	if !ok {
		return ConnectedAccount{}, ErrAccountNotFound
	}
	if err := account.TransitionTo(status, reason, s.now()); err != nil {
		return ConnectedAccount{}, err
	}
	s.byID[accountID] = account
	return account, nil
}

type memorySyncLogStore struct {
	mu   sync.Mutex
	next int
	logs []AccountSyncLog
}

func newMemorySyncLogStore() *memorySyncLogStore {
	return &memorySyncLogStore{}
}

func (s *memorySyncLogStore) Append(_ context.Context, in AppendSyncLogInput) (AccountSyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := in.SyncType.Validate(); err != nil {
		return AccountSyncLog{}, err
	}
	s.next++
	entry := AccountSyncLog{
		ID:              fmt.Sprintf("log_%d", s.next),
		AccountID:       in.AccountID,
		SyncType:        in.SyncType,
		Outcome:         in.Outcome,
		RecordsImported: in.RecordsImported,
		ErrorMessage:    in.ErrorMessage,
		StartedAt:       in.StartedAt,
		FinishedAt:      in.FinishedAt,
		CreatedAt:       in.FinishedAt,
	}
	s.logs = append(s.logs, entry)
	return entry, nil
}

func (s *memorySyncLogStore) LastSuccessful(_ context.Context, accountID string, syncType SyncType) (AccountSyncLog, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found AccountSyncLog
	var ok bool
	for _, entry := range s.logs {
		if entry.AccountID != accountID || entry.SyncType != syncType {
			continue
		}
		if entry.Outcome != SyncOutcomeSuccess && entry.Outcome != SyncOutcomePartial {
			continue
		}
		if !ok || entry.FinishedAt.After(found.FinishedAt) {
			found = entry
			ok = true
		}
	}
	return found, ok, nil
}

func (s *memorySyncLogStore) LastForAccount(_ context.Context, accountID string, syncType SyncType) (AccountSyncLog, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found AccountSyncLog
	var ok bool
	for _, entry := range s.logs {
		if entry.AccountID != accountID || entry.SyncType != syncType {
			continue
		}
		if !ok || entry.FinishedAt.After(found.FinishedAt) {
			found = entry
			ok = true
		}
	}
	return found, ok, nil
}

func (s *memorySyncLogStore) ListByAccount(_ context.Context, accountID string, limit int) ([]AccountSyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []AccountSyncLog{}
	for _, entry := range s.logs {
		if entry.AccountID == accountID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FinishedAt.After(out[j].FinishedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memorySyncLogStore) countForAccount(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, entry := range s.logs {
		if entry.AccountID == accountID {
			count++
		}
	}
	return count
}

type consentServiceFixture struct {
	service      *ConsentService
	institutions *memoryInstitutionStore
	consents     *memoryConsentStore
	accounts     *memoryAccountStore
	tokenClient  *stubTokenClient
	now          time.Time
}

func newConsentServiceFixture(t interface{ Fatalf(string, ...any) }, options ...Option) *consentServiceFixture {
	fixture := &consentServiceFixture{
		now: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return fixture.now }

	institutions := newMemoryInstitutionStore()
	consents := newMemoryConsentStore(clock)
	accounts := newMemoryAccountStore(clock)
	tokenClient := &stubTokenClient{}

	cfg := DefaultConfig()
	cfg.OAuth = OAuthConfig{
		ClientID:      "client-id",
		ClientSecret:  "client-secret",
		RedirectURI:   "https://app.example.com/callback",
		DefaultScopes: []string{"accounts", "transactions"},
	}

	base := []Option{
		WithInstitutionStore(institutions),
		WithConsentStore(consents),
		WithAccountStore(accounts),
		WithTokenClient(tokenClient),
		WithSecretProvider(testSecretProvider{}),
		WithClock(clock),
	}
	service, err := NewConsentService(cfg, append(base, options...)...)
	if err != nil {
		t.Fatalf("new consent service: %v", err)
	}

	fixture.service = service
	fixture.institutions = institutions
	fixture.consents = consents
	fixture.accounts = accounts
	fixture.tokenClient = tokenClient
	return fixture
}

func decimalPtr(value string) *decimal.Decimal {
	parsed := decimal.RequireFromString(value)
	return &parsed
}
