package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/connection"
	"github.com/sells-group/leadsync/internal/crm"
	"github.com/sells-group/leadsync/internal/crmsync"
	"github.com/sells-group/leadsync/internal/enrichment"
	"github.com/sells-group/leadsync/internal/enrichment/provider"
	"github.com/sells-group/leadsync/internal/resilience"
	"github.com/sells-group/leadsync/internal/scoring"
	"github.com/sells-group/leadsync/internal/secure"
	"github.com/sells-group/leadsync/internal/store"
	"github.com/sells-group/leadsync/internal/worker"
	"github.com/sells-group/leadsync/pkg/brasilapi"
	"github.com/sells-group/leadsync/pkg/cnpja"
	"github.com/sells-group/leadsync/pkg/personapi"
)

// appEnv holds the store and the services built on top of it, shared by
// every command that touches leads or connections.
type appEnv struct {
	Store       store.Store
	Scorer      *scoring.Scorer
	Enrichment  *enrichment.Service
	Sync        *crmsync.Orchestrator
	Connections *connection.Service
	Handler     *worker.Handler
}

// Close releases the store.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured store. Credentials are sealed with the
// configured key; commands that never read connections may run without
// one.
func initStore(ctx context.Context) (store.Store, error) {
	sealer, err := initSealer()
	if err != nil {
		return nil, err
	}

	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "leadsync.db"
		}
		return store.NewSQLite(dsn, sealer)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		}, sealer)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initSealer() (store.Sealer, error) {
	if cfg.Secrets.CredentialsKey == "" {
		return lockedSealer{}, nil
	}
	box, err := secure.NewBoxFromBase64(cfg.Secrets.CredentialsKey)
	if err != nil {
		return nil, eris.Wrap(err, "init credentials key")
	}
	return box, nil
}

// lockedSealer refuses to seal or open credentials. It stands in when no
// credentials key is configured.
type lockedSealer struct{}

func (lockedSealer) SealJSON(any, []byte) ([]byte, error) {
	return nil, eris.New("secrets.credentials_key is not configured")
}

func (lockedSealer) OpenJSON([]byte, []byte, any) error {
	return eris.New("secrets.credentials_key is not configured")
}

// initEnv validates the config for mode, opens and migrates the store and
// wires the services. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	scorer := scoring.NewScorer(st, st)

	orch := enrichment.NewOrchestrator(st, scorer, enrichment.Options{
		InitialBackoff: time.Duration(cfg.Enrichment.InitialBackoffMs) * time.Millisecond,
	})
	coord := enrichment.NewCoordinator(orch, st, time.Duration(cfg.Enrichment.PersonDelayMs)*time.Millisecond)
	enrich := enrichment.NewService(st, initProviders(), coord, enrichment.ServiceConfig{
		CompanyProvider: cfg.Enrichment.CompanyProvider,
		PersonProvider:  cfg.Enrichment.PersonProvider,
		MaxRetries:      cfg.Enrichment.MaxRetries,
	})

	registry := crm.NewDefaultRegistry(cfg.CRM)
	syncer := crmsync.NewOrchestrator(st, registry, scorer, crmsync.Options{
		PushBatchSize:     cfg.Sync.PushBatchSize,
		ActivityBatchSize: cfg.Sync.ActivityBatchSize,
		MaxDuration:       time.Duration(cfg.Sync.MaxDurationMins) * time.Minute,
	})

	return &appEnv{
		Store:       st,
		Scorer:      scorer,
		Enrichment:  enrich,
		Sync:        syncer,
		Connections: connection.NewService(st, registry),
		Handler:     worker.NewHandler(syncer, enrich),
	}, nil
}

// initProviders registers every enrichment provider behind a shared set of
// circuit breakers. Providers without a key are still registered; the
// config validation rejects selecting one.
func initProviders() *provider.Registry {
	breakers := resilience.NewProviderBreakers(resilience.FromCircuitConfig(
		cfg.Enrichment.BreakerThreshold,
		cfg.Enrichment.BreakerResetSecs,
	))

	reg := provider.NewRegistry()
	reg.RegisterCompany(provider.GuardCompany(provider.NewBrasilAPI(brasilapi.NewClient(
		brasilapi.WithBaseURL(cfg.BrasilAPI.BaseURL),
		brasilapi.WithTimeout(time.Duration(cfg.BrasilAPI.TimeoutSecs)*time.Second),
		brasilapi.WithRatePerMinute(cfg.BrasilAPI.RatePerMinute),
	)), breakers))
	reg.RegisterCompany(provider.GuardCompany(provider.NewCNPJa(cnpja.NewClient(cfg.CNPJa.Key,
		cnpja.WithBaseURL(cfg.CNPJa.BaseURL),
		cnpja.WithTimeout(time.Duration(cfg.CNPJa.TimeoutSecs)*time.Second),
		cnpja.WithRatePerMinute(cfg.CNPJa.RatePerMinute),
	)), breakers))
	reg.RegisterPerson(provider.GuardPerson(provider.NewPersonAPI(personapi.NewClient(cfg.PersonAPI.Key,
		personapi.WithBaseURL(cfg.PersonAPI.BaseURL),
		personapi.WithTimeout(time.Duration(cfg.PersonAPI.TimeoutSecs)*time.Second),
		personapi.WithRatePerMinute(cfg.PersonAPI.RatePerMinute),
	)), breakers))

	zap.L().Debug("enrichment providers registered", zap.Strings("providers", reg.List()))
	return reg
}
