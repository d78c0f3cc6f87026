package openfinance

import "github.com/goliatone/go-openfinance/core"

type Config = core.Config

type SyncConfig = core.SyncConfig
type RegistryConfig = core.RegistryConfig

type Option = core.Option

type ConsentService = core.ConsentService

type Consent = core.Consent
type ConsentTokens = core.ConsentTokens
type ConnectedAccount = core.ConnectedAccount
type Institution = core.Institution
type Transaction = core.Transaction
type RemoteTransaction = core.RemoteTransaction
type AccountSyncLog = core.AccountSyncLog

type InitiateConsentInput = core.InitiateConsentInput
type ConsentInitiation = core.ConsentInitiation
type CreateAccountInput = core.CreateAccountInput

type InstitutionStore = core.InstitutionStore
type ConsentStore = core.ConsentStore
type AccountStore = core.AccountStore
type SyncLogStore = core.SyncLogStore
type TransactionStore = core.TransactionStore

type TokenClient = core.TokenClient
type ExternalAPIClient = core.ExternalAPIClient
type InstitutionDirectoryClient = core.InstitutionDirectoryClient
type SecretProvider = core.SecretProvider
type AccountLocker = core.AccountLocker

var (
	WithLogger           = core.WithLogger
	WithLoggerProvider   = core.WithLoggerProvider
	WithMetricsRecorder  = core.WithMetricsRecorder
	WithErrorFactory     = core.WithErrorFactory
	WithErrorMapper      = core.WithErrorMapper
	WithSecretProvider   = core.WithSecretProvider
	WithConfigProvider   = core.WithConfigProvider
	WithOptionsResolver  = core.WithOptionsResolver
	WithTokenCodec       = core.WithTokenCodec
	WithTokenClient      = core.WithTokenClient
	WithInstitutionStore = core.WithInstitutionStore
	WithConsentStore     = core.WithConsentStore
	WithAccountStore     = core.WithAccountStore
	WithAccountLocker    = core.WithAccountLocker
	WithClock            = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewConsentService(cfg Config, opts ...Option) (*ConsentService, error) {
	return core.NewConsentService(cfg, opts...)
}
