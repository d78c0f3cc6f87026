package sqlstore

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type institutionRecord struct {
	bun.BaseModel `bun:"table:openfinance_institutions,alias:ofi"`

	ID                  string    `bun:"id,pk"`
	Code                string    `bun:"code,notnull,unique"`
	Name                string    `bun:"name,notnull"`
	APIBaseURL          string    `bun:"api_base_url,notnull"`
	SandboxBaseURL      string    `bun:"sandbox_base_url"`
	AuthorizationURL    string    `bun:"authorization_url,notnull"`
	TokenURL            string    `bun:"token_url,notnull"`
	CertificateRequired bool      `bun:"certificate_required,notnull"`
	Active              bool      `bun:"active,notnull"`
	CreatedAt           time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt           time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type consentRecord struct {
	bun.BaseModel `bun:"table:openfinance_consents,alias:ofc"`

	ID               string     `bun:"id,pk"`
	UserID           string     `bun:"user_id,notnull"`
	InstitutionID    string     `bun:"institution_id,notnull"`
	Status           string     `bun:"status,notnull"`
	EncryptedPayload []byte     `bun:"encrypted_payload"`
	PayloadFormat    string     `bun:"payload_format"`
	PayloadVersion   int        `bun:"payload_version"`
	RequestedScopes  []string   `bun:"requested_scopes,type:jsonb,notnull"`
	GrantedScopes    []string   `bun:"granted_scopes,type:jsonb"`
	ExpiresAt        *time.Time `bun:"expires_at,nullzero"`
	RevokedAt        *time.Time `bun:"revoked_at,nullzero"`
	LastError        string     `bun:"last_error"`
	CreatedAt        time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt        time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type accountRecord struct {
	bun.BaseModel `bun:"table:openfinance_accounts,alias:ofa"`

	ID                string          `bun:"id,pk"`
	UserID            string          `bun:"user_id,notnull"`
	ConsentID         string          `bun:"consent_id,notnull"`
	InstitutionID     string          `bun:"institution_id,notnull"`
	ExternalAccountID string          `bun:"external_account_id,notnull"`
	AccountType       string          `bun:"account_type,notnull"`
	Currency          string          `bun:"currency,notnull"`
	Balance           decimal.Decimal `bun:"balance,type:numeric"`
	SyncStatus        string          `bun:"sync_status,notnull"`
	LastSyncedAt      *time.Time      `bun:"last_synced_at,nullzero"`
	LastError         string          `bun:"last_error"`
	CreatedAt         time.Time       `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time       `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type syncLogRecord struct {
	bun.BaseModel `bun:"table:openfinance_sync_logs,alias:ofsl"`

	ID              string    `bun:"id,pk"`
	AccountID       string    `bun:"account_id,notnull"`
	SyncType        string    `bun:"sync_type,notnull"`
	Outcome         string    `bun:"outcome,notnull"`
	RecordsImported int       `bun:"records_imported,notnull"`
	ErrorMessage    string    `bun:"error_message"`
	StartedAt       time.Time `bun:"started_at,notnull"`
	FinishedAt      time.Time `bun:"finished_at,notnull"`
	CreatedAt       time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type transactionRecord struct {
	bun.BaseModel `bun:"table:openfinance_transactions,alias:oft"`

	ID                string          `bun:"id,pk"`
	AccountID         string          `bun:"account_id,notnull"`
	UserID            string          `bun:"user_id,notnull"`
	CategoryID        string          `bun:"category_id"`
	Type              string          `bun:"type,notnull"`
	Subtype           string          `bun:"subtype,notnull"`
	Source            string          `bun:"source,notnull"`
	Amount            decimal.Decimal `bun:"amount,type:numeric,notnull"`
	Currency          string          `bun:"currency,notnull"`
	Description       string          `bun:"description,notnull"`
	Date              time.Time       `bun:"date,notnull"`
	ExternalReference string          `bun:"external_reference,notnull"`
	BankReference     string          `bun:"bank_reference"`
	CreatedAt         time.Time       `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}
