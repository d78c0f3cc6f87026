package openfinance

import (
	"fmt"

	"github.com/goliatone/go-openfinance/core"
	"github.com/goliatone/go-openfinance/ingestion"
	"github.com/goliatone/go-openfinance/registry"
	sqlstore "github.com/goliatone/go-openfinance/store/sql"
	accountsync "github.com/goliatone/go-openfinance/sync"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

// Facade assembles the full synchronization subsystem: the consent service,
// the per-account sync orchestrator, the due-account runner, and the
// institution registry refresher, all sharing one store layer.
type Facade struct {
	consents *core.ConsentService
	sync     *accountsync.Orchestrator
	runner   *accountsync.Runner
	registry *registry.Refresher
	ingestor *ingestion.Ingestor
	stores   *sqlstore.RepositoryFactory
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	directory      core.InstitutionDirectoryClient
	cacheService   repositorycache.CacheService
	concurrency    int
	serviceOptions []core.Option
}

// WithInstitutionDirectory wires the directory client the registry refresher
// reconciles institutions from. Without it the refresher is not built.
func WithInstitutionDirectory(directory core.InstitutionDirectoryClient) FacadeOption {
	return func(options *facadeOptions) {
		options.directory = directory
	}
}

// WithInstitutionCache wraps institution reads in the shared cache service.
func WithInstitutionCache(cacheService repositorycache.CacheService) FacadeOption {
	return func(options *facadeOptions) {
		options.cacheService = cacheService
	}
}

// WithRunnerConcurrency bounds the scheduled sync worker pool.
func WithRunnerConcurrency(concurrency int) FacadeOption {
	return func(options *facadeOptions) {
		options.concurrency = concurrency
	}
}

// WithServiceOptions forwards options to the underlying consent service.
func WithServiceOptions(opts ...core.Option) FacadeOption {
	return func(options *facadeOptions) {
		options.serviceOptions = append(options.serviceOptions, opts...)
	}
}

// NewFacade builds the subsystem on top of an initialized store factory. The
// token client and external API client come in as service options and direct
// arguments because they are institution specific.
func NewFacade(cfg Config, stores *sqlstore.RepositoryFactory, api core.ExternalAPIClient, opts ...FacadeOption) (*Facade, error) {
	if stores == nil {
		return nil, fmt.Errorf("openfinance: store factory is required")
	}
	if api == nil {
		return nil, fmt.Errorf("openfinance: external api client is required")
	}

	options := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&options)
	}

	institutions := stores.InstitutionStore()
	if options.cacheService != nil {
		cached, err := sqlstore.NewCachedInstitutionStore(institutions, options.cacheService)
		if err != nil {
			return nil, err
		}
		institutions = cached
	}

	serviceOptions := append([]core.Option{
		core.WithInstitutionStore(institutions),
		core.WithConsentStore(stores.ConsentStore()),
		core.WithAccountStore(stores.AccountStore()),
	}, options.serviceOptions...)

	consents, err := core.NewConsentService(cfg, serviceOptions...)
	if err != nil {
		return nil, err
	}

	resolved := consents.Config()

	ingestor := ingestion.NewIngestor(stores.TransactionStore())

	orchestrator := accountsync.NewOrchestrator(
		stores.AccountStore(),
		consents,
		stores.SyncLogStore(),
		api,
		ingestor,
		consents.Locker(),
		resolved.Sync,
	)

	runner := accountsync.NewRunner(orchestrator, stores.AccountStore())
	if options.concurrency > 0 {
		runner.Concurrency = options.concurrency
	}

	facade := &Facade{
		consents: consents,
		sync:     orchestrator,
		runner:   runner,
		ingestor: ingestor,
		stores:   stores,
	}

	if options.directory != nil {
		facade.registry = registry.NewRefresher(options.directory, institutions, resolved.Registry)
	}

	return facade, nil
}

// Consents exposes the consent lifecycle service.
func (f *Facade) Consents() *core.ConsentService {
	if f == nil {
		return nil
	}
	return f.consents
}

// Sync exposes the per-account sync orchestrator.
func (f *Facade) Sync() *accountsync.Orchestrator {
	if f == nil {
		return nil
	}
	return f.sync
}

// Runner exposes the scheduled due-account runner.
func (f *Facade) Runner() *accountsync.Runner {
	if f == nil {
		return nil
	}
	return f.runner
}

// Registry returns the institution refresher, or nil when no directory
// client was configured.
func (f *Facade) Registry() *registry.Refresher {
	if f == nil {
		return nil
	}
	return f.registry
}

// Ingestor exposes the transaction ingestion pipeline.
func (f *Facade) Ingestor() *ingestion.Ingestor {
	if f == nil {
		return nil
	}
	return f.ingestor
}

// Stores exposes the SQL store factory the facade was built on.
func (f *Facade) Stores() *sqlstore.RepositoryFactory {
	if f == nil {
		return nil
	}
	return f.stores
}
