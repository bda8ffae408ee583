package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/credledger/internal/anchor"
	"github.com/charlesng35/credledger/internal/api"
	"github.com/charlesng35/credledger/internal/app"
	"github.com/charlesng35/credledger/internal/app/maintenance"
	iauth "github.com/charlesng35/credledger/internal/auth"
	"github.com/charlesng35/credledger/internal/cache"
	"github.com/charlesng35/credledger/internal/connectors"
	"github.com/charlesng35/credledger/internal/contentstore"
	"github.com/charlesng35/credledger/internal/database"
	"github.com/charlesng35/credledger/internal/enrichment"
	"github.com/charlesng35/credledger/internal/middleware"
	"github.com/charlesng35/credledger/internal/queue"
	"github.com/charlesng35/credledger/internal/scheduler"
	"github.com/charlesng35/credledger/internal/services"
	"github.com/charlesng35/credledger/internal/verification"
	"github.com/charlesng35/credledger/pkg/crypto"
	"github.com/charlesng35/credledger/pkg/logger"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB          *gorm.DB
	JWT         *iauth.JWTService
	Queue       *queue.Queue
	Enrichment  *enrichment.Runner
	Credentials *services.CredentialService
	Sync        *services.SyncService
	Scheduler   *scheduler.Scheduler
	Cleaner     *maintenance.Cleaner
	Router      *gin.Engine
}

// bootstrapRuntime opens the database and wires every service. Background
// workers are not started; see Start.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			_ = stack.Shutdown(context.Background(), log)
		}
	}()

	// enable gin debug mod
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	payloadKey, err := database.ResolvePayloadKey(ctx, stack.DB, cfg.Sync.PayloadKey, app.GeneratePayloadKey)
	if err != nil {
		return nil, fmt.Errorf("resolve payload key: %w", err)
	}
	if err := app.ValidatePayloadKey(payloadKey); err != nil {
		return nil, err
	}
	sealer, err := crypto.NewSealer(payloadKey)
	if err != nil {
		return nil, fmt.Errorf("initialise payload sealer: %w", err)
	}

	stack.JWT, err = iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	anchorClient, err := anchor.NewClient(cfg.Blockchain.ServiceURL, anchor.WithTimeouts(cfg.Ledger.AnchorTimeout, 0))
	if err != nil {
		return nil, fmt.Errorf("initialise anchor client: %w", err)
	}

	credentialStore, err := services.NewCredentialStore(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise credential store: %w", err)
	}
	learners, err := services.NewLearnerDirectory(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise learner directory: %w", err)
	}
	states, err := services.NewSyncStateStore(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise sync state store: %w", err)
	}

	queueOpts := append(cfg.Ledger.QueueOptions(), queue.WithCompleter(credentialStore))
	stack.Queue, err = queue.New(stack.DB, anchorClient, queueOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise anchor queue: %w", err)
	}

	chain := cfg.Blockchain.Chain()
	stack.Credentials, err = services.NewCredentialService(stack.DB, credentialStore, learners, stack.Queue, chain)
	if err != nil {
		return nil, fmt.Errorf("initialise credential service: %w", err)
	}

	engine, err := verification.NewEngine(credentialStore, anchorClient, verification.WithDefaultChain(chain.Network, chain.ContractAddress))
	if err != nil {
		return nil, fmt.Errorf("initialise verification engine: %w", err)
	}

	syncOpts := []services.SyncOption{services.WithSealer(sealer)}
	if store, err := initialiseContentStore(cfg.Storage); err != nil {
		return nil, err
	} else if store != nil {
		syncOpts = append(syncOpts, services.WithContentStore(store))
		log.Info("content store enabled", zap.String("api_url", cfg.Storage.APIURL))
	}
	if stack.Enrichment, err = initialiseEnrichment(cfg.Enrichment, credentialStore); err != nil {
		return nil, err
	} else if stack.Enrichment != nil {
		syncOpts = append(syncOpts, services.WithEnrichment(stack.Enrichment))
		log.Info("document enrichment enabled", zap.String("service_url", cfg.Enrichment.ServiceURL))
	}

	stack.Sync, err = services.NewSyncService(services.SyncDependencies{
		DB:          stack.DB,
		Registry:    connectors.NewDefaultRegistry(),
		Credentials: credentialStore,
		Learners:    learners,
		Queue:       stack.Queue,
		States:      states,
		Chain:       chain,
		Config:      cfg.Sync.ServiceConfig(),
	}, syncOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise sync service: %w", err)
	}

	stack.Scheduler, err = scheduler.New(stack.Sync,
		scheduler.WithInterval(cfg.Sync.Interval),
		scheduler.WithInitialDelay(cfg.Sync.InitialDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise scheduler: %w", err)
	}

	dbStore := cache.NewDatabaseStore(stack.DB)

	stack.Cleaner, err = maintenance.NewCleaner(
		maintenance.Dependencies{Queue: stack.Queue, Credentials: credentialStore},
		maintenance.WithCache(dbStore),
		maintenance.WithRetention(cfg.Ledger.Retention()),
		maintenance.WithStaleAfter(cfg.Ledger.StaleAfter),
		maintenance.WithReconcileSchedule(cfg.Maintenance.ReconcileSchedule),
		maintenance.WithPurgeSchedule(cfg.Maintenance.PurgeSchedule),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise maintenance jobs: %w", err)
	}

	stack.Router, err = api.NewRouter(api.Dependencies{
		DB:          stack.DB,
		JWT:         stack.JWT,
		Credentials: stack.Credentials,
		Verifier:    engine,
		Sync:        stack.Sync,
		Scheduler:   stack.Scheduler,
		Queue:       stack.Queue,
		RateStore:   middleware.NewCacheRateStore(dbStore),
		RateLimit: api.RateLimitConfig{
			Requests: cfg.Server.RateLimit.Requests,
			Window:   cfg.Server.RateLimit.Window,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Start launches the queue workers, maintenance jobs and, when configured,
// the sync scheduler.
func (s *runtimeStack) Start(cfg *app.Config, log *zap.Logger) error {
	s.Queue.Start()

	if err := s.Cleaner.Start(); err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}

	if cfg.Sync.Autostart {
		if err := s.Scheduler.Start(); err != nil {
			return fmt.Errorf("start sync scheduler: %w", err)
		}
	} else {
		log.Info("sync scheduler autostart disabled")
	}
	return nil
}

// Shutdown stops background work in dependency order and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) error {
	if s == nil {
		return nil
	}

	var errs error

	if s.Scheduler != nil {
		select {
		case <-s.Scheduler.Stop().Done():
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("stop scheduler: %w", ctx.Err()))
		}
	}

	if s.Cleaner != nil {
		select {
		case <-s.Cleaner.Stop().Done():
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("stop maintenance jobs: %w", ctx.Err()))
		}
	}

	if s.Enrichment != nil {
		errs = multierr.Append(errs, s.Enrichment.Close())
	}

	if s.Queue != nil {
		errs = multierr.Append(errs, s.Queue.Stop(ctx))
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}

	return errs
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.DatabaseOptions()
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db, cfg.Sync.ProviderIssuers()...); err != nil {
		closeDatabase(db, logger.WithModule("database"))
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", dbCfg.Driver))

	return db, nil
}

func initialiseContentStore(cfg app.StorageConfig) (contentstore.Store, error) {
	if strings.TrimSpace(cfg.APIURL) == "" {
		return nil, nil
	}
	store, err := contentstore.NewIPFSStore(cfg.APIURL, cfg.Timeout, contentstore.WithGatewayURL(cfg.GatewayURL))
	if err != nil {
		return nil, fmt.Errorf("initialise content store: %w", err)
	}
	return store, nil
}

func initialiseEnrichment(cfg app.EnrichmentConfig, store *services.CredentialStore) (*enrichment.Runner, error) {
	if !cfg.Enabled || strings.TrimSpace(cfg.ServiceURL) == "" {
		return nil, nil
	}
	analyzer, err := enrichment.NewHTTPAnalyzer(cfg.ServiceURL, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("initialise enrichment analyzer: %w", err)
	}
	return enrichment.NewRunner(analyzer, store.ApplyEnrichment,
		enrichment.WithWorkers(cfg.Workers),
		enrichment.WithTimeout(cfg.Timeout),
	), nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
