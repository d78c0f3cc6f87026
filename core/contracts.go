package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/shopspring/decimal"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// SecretProvider encrypts token payloads at rest.
type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// TokenGrant is the raw outcome of a code exchange or refresh at the
// institution token endpoint.
type TokenGrant struct {
	AccessToken   string
	RefreshToken  string
	TokenType     string
	GrantedScopes []string
	ExpiresIn     time.Duration
}

// TokenClient talks to the institution OAuth token endpoint. The concrete
// HTTP transport lives outside this module.
type TokenClient interface {
	ExchangeCode(ctx context.Context, institution Institution, code string, redirectURI string) (TokenGrant, error)
	RefreshToken(ctx context.Context, institution Institution, refreshToken string) (TokenGrant, error)
}

// ExternalAPIClient fetches account data from the institution. Failures
// surface as external API errors carrying the remote status code.
type ExternalAPIClient interface {
	FetchBalance(ctx context.Context, account ConnectedAccount, accessToken string) (Balance, error)
	FetchTransactions(ctx context.Context, account ConnectedAccount, accessToken string, since *time.Time) ([]RemoteTransaction, error)
}

// InstitutionDirectoryClient lists participants from the external directory
// that feeds the institution registry.
type InstitutionDirectoryClient interface {
	ListParticipants(ctx context.Context) ([]UpsertInstitutionInput, error)
}

type UpsertInstitutionInput struct {
	Code                string
	Name                string
	APIBaseURL          string
	SandboxBaseURL      string
	AuthorizationURL    string
	TokenURL            string
	CertificateRequired bool
	Active              bool
}

type InstitutionStore interface {
	Upsert(ctx context.Context, in UpsertInstitutionInput) (Institution, error)
	Get(ctx context.Context, id string) (Institution, error)
	GetByCode(ctx context.Context, code string) (Institution, error)
	ListActive(ctx context.Context) ([]Institution, error)
	DeactivateMissing(ctx context.Context, activeCodes []string) (int, error)
}

type CreateConsentInput struct {
	UserID          string
	InstitutionID   string
	RequestedScopes []string
}

type SaveConsentTokensInput struct {
	ConsentID        string
	EncryptedPayload []byte
	PayloadFormat    string
	PayloadVersion   int
	GrantedScopes    []string
	ExpiresAt        *time.Time
}

type ConsentStore interface {
	Create(ctx context.Context, in CreateConsentInput) (Consent, error)
	Get(ctx context.Context, id string) (Consent, error)
	FindByUserInstitution(ctx context.Context, userID string, institutionID string) ([]Consent, error)
	SaveTokens(ctx context.Context, in SaveConsentTokensInput) (Consent, error)
	UpdateStatus(ctx context.Context, id string, status ConsentStatus, reason string) (Consent, error)
}

type CreateAccountInput struct {
	UserID            string
	ConsentID         string
	InstitutionID     string
	ExternalAccountID string
	AccountType       AccountType
	Currency          string
}

type FinishSyncInput struct {
	AccountID    string
	Status       AccountSyncStatus
	Balance      *decimal.Decimal
	LastSyncedAt *time.Time
	Reason       string
}

// AccountStore persists connected accounts. BeginSync is the compare-and-set
// gate backing per-account serialization: it moves the row into the syncing
// status only when the current status allows it and must fail fast otherwise
// (ErrSyncInFlight while syncing, a not-syncable error when disabled).
type AccountStore interface {
	Create(ctx context.Context, in CreateAccountInput) (ConnectedAccount, error)
	Get(ctx context.Context, id string) (ConnectedAccount, error)
	ListByConsent(ctx context.Context, consentID string) ([]ConnectedAccount, error)
	ListSyncCandidates(ctx context.Context) ([]ConnectedAccount, error)
	BeginSync(ctx context.Context, accountID string, startedAt time.Time) (ConnectedAccount, error)
	FinishSync(ctx context.Context, in FinishSyncInput) (ConnectedAccount, error)
	UpdateStatus(ctx context.Context, accountID string, status AccountSyncStatus, reason string) (ConnectedAccount, error)
}

type AppendSyncLogInput struct {
	AccountID       string
	SyncType        SyncType
	Outcome         SyncOutcome
	RecordsImported int
	ErrorMessage    string
	StartedAt       time.Time
	FinishedAt      time.Time
}

// SyncLogStore is append-only; rows are never mutated after creation.
// LastSuccessful feeds the incremental cursor (success and partial both
// count); LastForAccount feeds scheduling so a failed attempt still paces
// the next one.
type SyncLogStore interface {
	Append(ctx context.Context, in AppendSyncLogInput) (AccountSyncLog, error)
	LastSuccessful(ctx context.Context, accountID string, syncType SyncType) (AccountSyncLog, bool, error)
	LastForAccount(ctx context.Context, accountID string, syncType SyncType) (AccountSyncLog, bool, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]AccountSyncLog, error)
}

// TransactionStore is the insertion contract consumed by the surrounding
// application. Upsert is a no-op when the (account, external reference) pair
// already exists; the bool reports whether a row was inserted.
type TransactionStore interface {
	UpsertByExternalReference(ctx context.Context, tx Transaction) (bool, error)
	CountByAccount(ctx context.Context, accountID string) (int, error)
}

// Job contracts mirror the go-job queue surface without importing it, so the
// scheduling glue stays in adapters/gojob.
type JobExecutionMessage struct {
	JobID          string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

type LockHandle interface {
	Unlock(ctx context.Context) error
}

// AccountLocker provides the in-process half of per-account serialization;
// the store CAS is the durable half.
type AccountLocker interface {
	Acquire(ctx context.Context, accountID string, ttl time.Duration) (LockHandle, error)
}
