package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidConsentStatusTransition = errors.New("core: invalid consent status transition")
	ErrInvalidAccountStatusTransition = errors.New("core: invalid account sync status transition")
	ErrInvalidSyncType                = errors.New("core: invalid sync type")
	ErrInstitutionNotFound            = errors.New("core: institution not found")
	ErrConsentNotFound                = errors.New("core: consent not found")
	ErrAccountNotFound                = errors.New("core: account not found")

	// ErrSyncInFlight is returned by AccountStore.BeginSync when the row is
	// already in the syncing status. Callers surface it as AlreadySyncing.
	ErrSyncInFlight = errors.New("core: sync already in flight")

	// ErrMissingTransactionID rejects remote records without a usable
	// idempotency key.
	ErrMissingTransactionID = errors.New("core: remote transaction id is required")
)

// Institution describes a participating Open Finance entity. Records are only
// mutated through directory refresh; consumers treat them as read-only.
type Institution struct {
	ID                  string
	Code                string
	Name                string
	APIBaseURL          string
	SandboxBaseURL      string
	AuthorizationURL    string
	TokenURL            string
	CertificateRequired bool
	Active              bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// BaseURL selects the sandbox or production endpoint for the institution.
func (i Institution) BaseURL(environment string) string {
	if strings.EqualFold(strings.TrimSpace(environment), EnvironmentSandbox) &&
		strings.TrimSpace(i.SandboxBaseURL) != "" {
		return i.SandboxBaseURL
	}
	return i.APIBaseURL
}

type ConsentStatus string

const (
	ConsentStatusPending    ConsentStatus = "pending"
	ConsentStatusAuthorized ConsentStatus = "authorized"
	ConsentStatusRevoked    ConsentStatus = "revoked"
	ConsentStatusExpired    ConsentStatus = "expired"
	ConsentStatusFailed     ConsentStatus = "failed"
)

// Consent is a user's OAuth authorization against one institution. Token
// material lives in EncryptedPayload and is only readable through the
// consent service's secret provider. Consents are never physically deleted.
type Consent struct {
	ID               string
	UserID           string
	InstitutionID    string
	Status           ConsentStatus
	EncryptedPayload []byte
	PayloadFormat    string
	PayloadVersion   int
	RequestedScopes  []string
	GrantedScopes    []string
	ExpiresAt        *time.Time
	RevokedAt        *time.Time
	LastError        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (c *Consent) TransitionTo(status ConsentStatus, reason string, now time.Time) error {
	if c == nil {
		return nil
	}
	if c.Status == status {
		c.UpdatedAt = now
		return nil
	}
	if !consentTransitionAllowed(c.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidConsentStatusTransition, c.Status, status)
	}
	c.Status = status
	c.UpdatedAt = now
	if strings.TrimSpace(reason) != "" {
		c.LastError = strings.TrimSpace(reason)
	}
	if status == ConsentStatusAuthorized {
		c.LastError = ""
	}
	if status == ConsentStatusRevoked {
		revoked := now
		c.RevokedAt = &revoked
		c.EncryptedPayload = nil
	}
	return nil
}

func consentTransitionAllowed(current, next ConsentStatus) bool {
	allowed := map[ConsentStatus]map[ConsentStatus]struct{}{
		ConsentStatusPending: {
			ConsentStatusAuthorized: {},
			ConsentStatusFailed:     {},
			ConsentStatusRevoked:    {},
			ConsentStatusExpired:    {},
		},
		ConsentStatusAuthorized: {
			ConsentStatusExpired: {},
			ConsentStatusRevoked: {},
		},
		ConsentStatusExpired: {
			ConsentStatusRevoked: {},
		},
		ConsentStatusFailed: {
			ConsentStatusRevoked: {},
		},
		ConsentStatusRevoked: {},
	}
	_, ok := allowed[current][next]
	return ok
}

// IsExpired checks wall-clock expiry and deliberately ignores the stored
// status: a consent can still read "authorized" in storage while its token
// expired between refresh runs. Callers must consult this before every token
// use, not only at refresh time.
func (c Consent) IsExpired(now time.Time) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !c.ExpiresAt.UTC().After(now.UTC())
}

// IsActive reports whether the consent can back API calls right now.
func (c Consent) IsActive(now time.Time) bool {
	if c.Status != ConsentStatusAuthorized {
		return false
	}
	if c.RevokedAt != nil {
		return false
	}
	return !c.IsExpired(now)
}

type AccountType string

const (
	AccountTypeChecking   AccountType = "checking"
	AccountTypeSavings    AccountType = "savings"
	AccountTypeCreditCard AccountType = "credit_card"
	AccountTypeDebitCard  AccountType = "debit_card"
	AccountTypeOther      AccountType = "other"
)

type AccountSyncStatus string

const (
	AccountSyncStatusPending  AccountSyncStatus = "pending"
	AccountSyncStatusSyncing  AccountSyncStatus = "syncing"
	AccountSyncStatusSuccess  AccountSyncStatus = "success"
	AccountSyncStatusFailed   AccountSyncStatus = "failed"
	AccountSyncStatusDisabled AccountSyncStatus = "disabled"
)

// ConnectedAccount is a remote bank account linked under a consent, unique
// per (institution, external account id). Status and balance are owned
// exclusively by the sync orchestrator.
type ConnectedAccount struct {
	ID                string
	UserID            string
	ConsentID         string
	InstitutionID     string
	ExternalAccountID string
	AccountType       AccountType
	Currency          string
	Balance           decimal.Decimal
	SyncStatus        AccountSyncStatus
	LastSyncedAt      *time.Time
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (a *ConnectedAccount) TransitionTo(status AccountSyncStatus, reason string, now time.Time) error {
	if a == nil {
		return nil
	}
	if a.SyncStatus == status {
		a.UpdatedAt = now
		return nil
	}
	if !accountTransitionAllowed(a.SyncStatus, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidAccountStatusTransition, a.SyncStatus, status)
	}
	a.SyncStatus = status
	a.UpdatedAt = now
	if strings.TrimSpace(reason) != "" {
		a.LastError = strings.TrimSpace(reason)
	}
	if status == AccountSyncStatusSuccess {
		a.LastError = ""
	}
	return nil
}

func accountTransitionAllowed(current, next AccountSyncStatus) bool {
	allowed := map[AccountSyncStatus]map[AccountSyncStatus]struct{}{
		AccountSyncStatusPending: {
			AccountSyncStatusSyncing:  {},
			AccountSyncStatusDisabled: {},
		},
		AccountSyncStatusSyncing: {
			AccountSyncStatusSuccess: {},
			AccountSyncStatusFailed:  {},
		},
		AccountSyncStatusSuccess: {
			AccountSyncStatusSyncing:  {},
			AccountSyncStatusDisabled: {},
		},
		AccountSyncStatusFailed: {
			AccountSyncStatusSyncing:  {},
			AccountSyncStatusDisabled: {},
		},
		// Disabled is terminal until an operator re-enables the account.
		AccountSyncStatusDisabled: {
			AccountSyncStatusPending: {},
		},
	}
	_, ok := allowed[current][next]
	return ok
}

// Syncable reports whether the orchestrator may start a sync. The owning
// consent is passed explicitly; accounts never lazy-load their consent.
func (a ConnectedAccount) Syncable(consent Consent, now time.Time) bool {
	if a.SyncStatus == AccountSyncStatusDisabled {
		return false
	}
	return consent.IsActive(now)
}

type SyncType string

const (
	SyncTypeBalance      SyncType = "balance"
	SyncTypeTransactions SyncType = "transactions"
	SyncTypeFull         SyncType = "full"
)

func (t SyncType) Validate() error {
	switch t {
	case SyncTypeBalance, SyncTypeTransactions, SyncTypeFull:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidSyncType, t)
}

type SyncOutcome string

const (
	SyncOutcomeSuccess SyncOutcome = "success"
	SyncOutcomeFailed  SyncOutcome = "failed"
	SyncOutcomePartial SyncOutcome = "partial"
)

// AccountSyncLog is the append-only audit record for one logical sync
// attempt. Internal retries within an attempt do not produce extra rows.
type AccountSyncLog struct {
	ID              string
	AccountID       string
	SyncType        SyncType
	Outcome         SyncOutcome
	RecordsImported int
	ErrorMessage    string
	StartedAt       time.Time
	FinishedAt      time.Time
	CreatedAt       time.Time
}

type TransactionType string

const (
	TransactionTypeIncome  TransactionType = "income"
	TransactionTypeExpense TransactionType = "expense"
)

type TransactionSource string

const (
	TransactionSourceBank       TransactionSource = "bank_transaction"
	TransactionSourceCreditCard TransactionSource = "credit_card"
	TransactionSourceDebitCard  TransactionSource = "debit_card"
	TransactionSourceOther      TransactionSource = "other"
)

const (
	TransactionSubtypeVariable = "variable"

	// DefaultTransactionDescription replaces blank remote descriptions.
	DefaultTransactionDescription = "Imported transaction"

	// DefaultCategoryID is assigned when ingestion has no category to offer.
	DefaultCategoryID = "uncategorized"
)

// Transaction is the normalized internal shape handed to the persistence
// collaborator. ExternalReference doubles as the idempotency key.
type Transaction struct {
	ID                string
	AccountID         string
	UserID            string
	CategoryID        string
	Type              TransactionType
	Subtype           string
	Source            TransactionSource
	Amount            decimal.Decimal
	Currency          string
	Description       string
	Date              time.Time
	ExternalReference string
	BankReference     string
	CreatedAt         time.Time
}

// RemoteTransaction is the institution-side record as returned by the
// external API client.
type RemoteTransaction struct {
	TransactionID        string
	Amount               decimal.Decimal
	Currency             string
	CreditDebitIndicator string
	Description          string
	BookingDate          *time.Time
}

// Balance is a point-in-time remote balance reading.
type Balance struct {
	Amount   decimal.Decimal
	Currency string
	AsOf     time.Time
}
