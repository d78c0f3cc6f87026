package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-openfinance/core"
)

// RepositoryFactory wires every SQL-backed store against one bun database.
type RepositoryFactory struct {
	db *bun.DB

	institutionStore *InstitutionStore
	consentStore     *ConsentStore
	accountStore     *AccountStore
	syncLogStore     *SyncLogStore
	transactionStore *TransactionStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.institutionStore != nil {
		return nil
	}
	return f.initStores()
}

func (f *RepositoryFactory) initStores() error {
	institutionRepo := repository.NewRepository[*institutionRecord](f.db, institutionHandlers())
	if err := validateRepo(institutionRepo, "institution"); err != nil {
		return err
	}
	consentRepo := repository.NewRepository[*consentRecord](f.db, consentHandlers())
	if err := validateRepo(consentRepo, "consent"); err != nil {
		return err
	}
	accountRepo := repository.NewRepository[*accountRecord](f.db, accountHandlers())
	if err := validateRepo(accountRepo, "account"); err != nil {
		return err
	}
	syncLogRepo := repository.NewRepository[*syncLogRecord](f.db, syncLogHandlers())
	if err := validateRepo(syncLogRepo, "sync log"); err != nil {
		return err
	}
	transactionRepo := repository.NewRepository[*transactionRecord](f.db, transactionHandlers())
	if err := validateRepo(transactionRepo, "transaction"); err != nil {
		return err
	}

	f.institutionStore = &InstitutionStore{db: f.db, repo: institutionRepo}
	f.consentStore = &ConsentStore{db: f.db, repo: consentRepo}
	f.accountStore = &AccountStore{db: f.db, repo: accountRepo}
	f.syncLogStore = &SyncLogStore{db: f.db, repo: syncLogRepo}
	f.transactionStore = &TransactionStore{db: f.db, repo: transactionRepo}
	return nil
}

func validateRepo(repo any, name string) error {
	validator, ok := repo.(repository.Validator)
	if !ok {
		return nil
	}
	if err := validator.Validate(); err != nil {
		return fmt.Errorf("sqlstore: invalid %s repository wiring: %w", name, err)
	}
	return nil
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) InstitutionStore() core.InstitutionStore {
	if f == nil {
		return nil
	}
	return f.institutionStore
}

func (f *RepositoryFactory) ConsentStore() core.ConsentStore {
	if f == nil {
		return nil
	}
	return f.consentStore
}

func (f *RepositoryFactory) AccountStore() core.AccountStore {
	if f == nil {
		return nil
	}
	return f.accountStore
}

func (f *RepositoryFactory) SyncLogStore() core.SyncLogStore {
	if f == nil {
		return nil
	}
	return f.syncLogStore
}

func (f *RepositoryFactory) TransactionStore() core.TransactionStore {
	if f == nil {
		return nil
	}
	return f.transactionStore
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
