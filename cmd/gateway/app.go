package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/laplacelab/lapgw/internal/agenttask"
	"github.com/laplacelab/lapgw/internal/config"
	"github.com/laplacelab/lapgw/internal/credential"
	"github.com/laplacelab/lapgw/internal/exchange"
	"github.com/laplacelab/lapgw/internal/gwtoken"
	"github.com/laplacelab/lapgw/internal/identity"
	"github.com/laplacelab/lapgw/internal/observability"
	"github.com/laplacelab/lapgw/internal/pat"
	"github.com/laplacelab/lapgw/internal/pat/postgres"
	"github.com/laplacelab/lapgw/internal/proxy"
	"github.com/laplacelab/lapgw/internal/server"
	"github.com/laplacelab/lapgw/internal/task"
	"github.com/laplacelab/lapgw/internal/util"
)

const shutdownTimeout = 30 * time.Second

// application holds the wired gateway components.
type application struct {
	logger  observability.Logger
	server  *server.Server
	pgStore *postgres.Store
}

// newApplication wires the gateway from its configuration.
func newApplication(cfg *config.Config, logger observability.Logger) (*application, error) {
	app := &application{logger: logger}

	store, err := app.initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	admin, err := initAdminClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	verifier, err := initVerifier(cfg, logger)
	if err != nil {
		return nil, err
	}

	manager, err := initManager(cfg, store, admin, logger)
	if err != nil {
		return nil, err
	}

	minter, err := gwtoken.NewMinter(
		cfg.GatewayToken.Secret,
		cfg.GatewayToken.Issuer,
		cfg.GatewayToken.ExpiresIn.Duration(),
		gwtoken.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	orchestrator, err := initExchanger(cfg, admin, logger)
	if err != nil {
		return nil, err
	}

	forwarder := proxy.NewForwarder(cfg.Proxy.TargetBaseURL,
		proxy.WithLogger(logger),
		proxy.WithTimeout(cfg.Proxy.Timeout.Duration()),
	)

	serverOpts := []server.Option{server.WithLogger(logger)}
	if app.pgStore != nil {
		serverOpts = append(serverOpts, server.WithPinger(app.pgStore))
	}
	if cfg.AgentPlatform.Endpoint != "" {
		tasks, taskErr := agenttask.NewClient(cfg.AgentPlatform.Endpoint,
			agenttask.WithLogger(logger),
			agenttask.WithHTTPClient(&http.Client{Timeout: cfg.AgentPlatform.TaskTimeout.Duration()}),
		)
		if taskErr != nil {
			return nil, taskErr
		}
		supervisor := task.NewSupervisor(logger, cfg.AgentPlatform.TaskTimeout.Duration())
		serverOpts = append(serverOpts, server.WithTaskClient(tasks, supervisor))
	}

	srv, err := server.New(cfg.Server, manager, verifier, minter, orchestrator, forwarder, serverOpts...)
	if err != nil {
		return nil, err
	}

	app.server = srv
	return app, nil
}

// initStore opens the PostgreSQL store, or falls back to the
// in-memory store when no database is configured.
func (app *application) initStore(cfg *config.Config, logger observability.Logger) (pat.Store, error) {
	if !cfg.Database.Enabled() {
		logger.Warn("no database configured, using in-memory token store")
		return pat.NewMemoryStore(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := postgres.Open(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, util.WrapError(err, "failed to open database")
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()
		return nil, util.WrapError(err, "failed to ensure database schema")
	}

	logger.Info("database connected",
		observability.String("host", cfg.Database.Host),
		observability.String("name", cfg.Database.Name))
	app.pgStore = store
	return store, nil
}

// initAdminClient builds the provider management client when client
// credentials are configured. Without it, PAT mirroring and the
// fallback exchange path are disabled.
func initAdminClient(cfg *config.Config, logger observability.Logger) (*identity.AdminClient, error) {
	idp := cfg.IdentityProvider
	if idp.Endpoint == "" || idp.ClientID == "" || idp.ClientSecret == "" {
		logger.Warn("identity provider management credentials missing, PAT mirroring disabled")
		return nil, nil
	}

	httpClient := &http.Client{Timeout: idp.RequestTimeout.Duration()}

	tokenOpts := []identity.ManagementOption{
		identity.WithManagementHTTPClient(httpClient),
		identity.WithManagementLogger(logger),
	}
	if idp.ManagementResource != "" {
		tokenOpts = append(tokenOpts, identity.WithManagementResource(idp.ManagementResource))
	}
	tokens, err := identity.NewManagementTokenSource(idp.TokenURL(), idp.ClientID, idp.ClientSecret, tokenOpts...)
	if err != nil {
		return nil, err
	}

	return identity.NewAdminClient(idp.Endpoint, idp.TokenURL(), idp.ClientID, idp.ClientSecret, tokens,
		identity.WithAdminHTTPClient(httpClient),
		identity.WithAdminLogger(logger),
	)
}

// initVerifier selects the identity verification strategy.
func initVerifier(cfg *config.Config, logger observability.Logger) (identity.Verifier, error) {
	idp := cfg.IdentityProvider
	httpClient := &http.Client{Timeout: idp.RequestTimeout.Duration()}

	switch idp.Mode {
	case config.VerifyModeRemote:
		return identity.NewRemoteIntrospector(idp.IntrospectionEndpoint, idp.ClientID, idp.ClientSecret,
			identity.WithRemoteHTTPClient(httpClient),
			identity.WithRemoteLogger(logger),
		)
	case config.VerifyModeLocal:
		opts := []identity.LocalOption{identity.WithLocalLogger(logger)}
		if idp.Audience != "" {
			opts = append(opts, identity.WithAudience(idp.Audience))
		}
		return identity.NewLocalVerifier(context.Background(), idp.JWKSURL(), idp.Issuer(), opts...)
	default:
		return nil, util.NewConfigError("identityProvider.mode", "unknown verification mode")
	}
}

func initManager(cfg *config.Config, store pat.Store, admin *identity.AdminClient, logger observability.Logger) (*pat.Manager, error) {
	generator := credential.Generator{
		Tag:  cfg.PAT.Tag,
		Size: cfg.PAT.SecretSize,
	}

	opts := []pat.ManagerOption{pat.WithLogger(logger)}
	if admin != nil {
		opts = append(opts, pat.WithRegistrar(admin))
	}
	return pat.NewManager(store, generator, cfg.PAT.PrefixLength, opts...)
}

// initExchanger builds the two-provider exchange orchestrator. With
// no agent platform configured the exchange endpoints are disabled.
func initExchanger(cfg *config.Config, admin *identity.AdminClient, logger observability.Logger) (*exchange.Orchestrator, error) {
	if cfg.AgentPlatform.Endpoint == "" {
		logger.Warn("no agent platform configured, token exchange disabled")
		return nil, nil
	}

	platform, err := exchange.NewPlatformClient(cfg.AgentPlatform.Endpoint,
		exchange.WithPlatformHTTPClient(&http.Client{Timeout: cfg.AgentPlatform.ExchangeTimeout.Duration()}),
		exchange.WithPlatformLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	var fallback exchange.Fallback
	if admin != nil {
		fallback = admin
	}
	return exchange.NewOrchestrator(platform, fallback,
		exchange.WithOrchestratorLogger(logger),
	)
}

// run starts the server and blocks until a shutdown signal arrives.
func (app *application) run() {
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		app.logger.Info("received shutdown signal",
			observability.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			app.logger.Error("server stopped unexpectedly", observability.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful shutdown failed", observability.Error(err))
	}
	if app.pgStore != nil {
		if err := app.pgStore.Close(); err != nil {
			app.logger.Error("failed to close database", observability.Error(err))
		}
	}
	app.logger.Info("gateway stopped")
}
