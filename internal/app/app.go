// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/channel-access/internal/adminauth"
	"github.com/bissquit/channel-access/internal/config"
	"github.com/bissquit/channel-access/internal/domain"
	"github.com/bissquit/channel-access/internal/jobs"
	"github.com/bissquit/channel-access/internal/payments"
	"github.com/bissquit/channel-access/internal/payments/cryptopay"
	paymentspostgres "github.com/bissquit/channel-access/internal/payments/postgres"
	"github.com/bissquit/channel-access/internal/payments/robokassa"
	"github.com/bissquit/channel-access/internal/pkg/ctxlog"
	"github.com/bissquit/channel-access/internal/pkg/httputil"
	"github.com/bissquit/channel-access/internal/pkg/metrics"
	"github.com/bissquit/channel-access/internal/pkg/postgres"
	"github.com/bissquit/channel-access/internal/provisioning"
	"github.com/bissquit/channel-access/internal/relay"
	"github.com/bissquit/channel-access/internal/subscriptions"
	subscriptionspostgres "github.com/bissquit/channel-access/internal/subscriptions/postgres"
	"github.com/bissquit/channel-access/internal/telegram"
	"github.com/bissquit/channel-access/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-co-op/gocron/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	relay         *relay.Client
	redis         *redis.Client
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
	consumer      *relay.Consumer
	scheduler     *jobs.Scheduler
}

// components are the services built from config.
type components struct {
	subscriptions *subscriptions.Service
	payments      *payments.Service
	provisioner   *provisioning.Provisioner
	tokens        *adminauth.Validator
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:              cfg.Database.URL,
		MaxOpenConns:     cfg.Database.MaxOpenConns,
		MaxIdleConns:     cfg.Database.MaxIdleConns,
		ConnMaxLifetime:  cfg.Database.ConnMaxLifetime,
		ConnectAttempts:  cfg.Database.ConnectAttempts,
		StatementTimeout: cfg.Database.StatementTimeout,
		ApplicationName:  "channel-access",
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.Database.MigrationsPath != "" {
		if err := postgres.Migrate(cfg.Database.MigrationsPath, cfg.Database.URL); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	relayClient, err := relay.Connect(connectCtx, relay.Config{
		URL:            cfg.NATS.URL,
		Name:           cfg.NATS.Name,
		ConnectTimeout: cfg.NATS.ConnectTimeout,
		PublishTimeout: cfg.NATS.PublishTimeout,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	if err := relayClient.EnsureStream(connectCtx, relay.StreamConfig{
		Name:       relay.StreamPayments,
		Subjects:   []string{domain.SubjectPaymentSucceeded},
		MaxAge:     cfg.NATS.StreamMaxAge,
		Duplicates: cfg.NATS.DedupWindow,
	}); err != nil {
		relayClient.Close()
		db.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		relay:         relayClient,
		metricsCancel: metricsCancel,
	}

	c, err := app.buildComponents()
	if err != nil {
		app.closeClients()
		metricsCancel()
		return nil, fmt.Errorf("build components: %w", err)
	}

	go app.collectMetrics(metricsCtx, c.subscriptions)

	if err := app.setupWorkers(connectCtx, c); err != nil {
		app.closeClients()
		metricsCancel()
		return nil, fmt.Errorf("setup workers: %w", err)
	}

	router := app.setupRouter(c)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

func (a *App) buildComponents() (*components, error) {
	cfg := a.config

	bot, err := telegram.NewClient(telegram.Config{
		BotToken:  cfg.Telegram.BotToken,
		RateLimit: cfg.Telegram.RateLimit,
		Timeout:   cfg.Telegram.Timeout,
		BaseURL:   cfg.Telegram.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram client: %w", err)
	}

	subsService := subscriptions.NewService(subscriptionspostgres.NewRepository(a.db), bot, subscriptions.Config{
		DefaultChannelID:  cfg.Telegram.ChannelID,
		InviteTTL:         cfg.Subscriptions.InviteTTL,
		InviteMinInterval: cfg.Subscriptions.InviteMinInterval,
		InviteMemberLimit: cfg.Subscriptions.InviteMemberLimit,
		ChannelTimeout:    cfg.Telegram.Timeout,
		SweepBatchSize:    cfg.Subscriptions.SweepBatchSize,
	})

	// Interface values stay nil for disabled providers.
	var bank payments.BankRedirect
	if cfg.Robokassa.Enabled() {
		client, err := robokassa.NewClient(robokassa.Config{
			MerchantLogin: cfg.Robokassa.MerchantLogin,
			Password1:     cfg.Robokassa.Password1,
			Password2:     cfg.Robokassa.Password2,
			Digest:        cfg.Robokassa.Digest,
			BaseURL:       cfg.Robokassa.BaseURL,
			IsTest:        cfg.Robokassa.IsTest,
		})
		if err != nil {
			return nil, fmt.Errorf("create robokassa client: %w", err)
		}
		bank = client
	} else {
		slog.Warn("bank-redirect provider is disabled: robokassa.merchant_login is empty")
	}

	var crypto payments.InvoiceProvider
	if cfg.CryptoPay.Enabled() {
		client, err := cryptopay.NewClient(cryptopay.Config{
			Token:   cfg.CryptoPay.Token,
			BaseURL: cfg.CryptoPay.BaseURL,
			Timeout: cfg.Payments.ProviderTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create cryptopay client: %w", err)
		}
		crypto = client
	} else {
		slog.Warn("crypto-invoice provider is disabled: cryptopay.token is empty")
	}

	amount, err := cfg.Tariff.ParseAmount()
	if err != nil {
		return nil, fmt.Errorf("parse tariff amount: %w", err)
	}

	paymentsRepo := paymentspostgres.NewRepository(a.db)
	paymentsService := payments.NewService(paymentsRepo, subsService, a.relay, bank, crypto, payments.Config{
		Amount:             amount,
		Currency:           cfg.Tariff.Currency,
		Description:        cfg.Tariff.Description,
		GrantPeriod:        cfg.Tariff.Period(),
		ChannelID:          cfg.Telegram.ChannelID,
		AcceptedAssets:     cfg.CryptoPay.AcceptedAssets,
		InvoiceTTL:         cfg.CryptoPay.InvoiceTTL,
		ProviderTimeout:    cfg.Payments.ProviderTimeout,
		RecheckInvoice:     cfg.CryptoPay.Recheck,
		ReconcileMinAge:    cfg.Jobs.ReconcileMinAge,
		ReconcileBatchSize: cfg.Jobs.ReconcileBatchSize,
	})

	renderer, err := provisioning.NewRenderer(cfg.Telegram.Location())
	if err != nil {
		return nil, fmt.Errorf("create message renderer: %w", err)
	}
	provisioner := provisioning.NewProvisioner(paymentsRepo, subsService, bot, renderer, provisioning.Config{
		ChannelID:   cfg.Telegram.ChannelID,
		SendTimeout: cfg.Telegram.Timeout,
	})

	tokens, err := adminauth.NewValidator(adminauth.Config{
		Secret: cfg.Admin.JWTSecret,
		Issuer: cfg.Admin.JWTIssuer,
		Leeway: cfg.Admin.JWTLeeway,
	})
	if err != nil {
		return nil, fmt.Errorf("create admin token validator: %w", err)
	}

	return &components{
		subscriptions: subsService,
		payments:      paymentsService,
		provisioner:   provisioner,
		tokens:        tokens,
	}, nil
}

func (a *App) setupWorkers(ctx context.Context, c *components) error {
	cfg := a.config

	consumerConfig := relay.DefaultConsumerConfig()
	consumerConfig.Stream = relay.StreamPayments
	consumerConfig.Durable = relay.DurablePaymentProvisioner
	consumerConfig.FilterSubject = domain.SubjectPaymentSucceeded
	if cfg.NATS.MaxDeliver > 0 {
		consumerConfig.MaxDeliver = cfg.NATS.MaxDeliver
	}
	if cfg.NATS.AckWait > 0 {
		consumerConfig.AckWait = cfg.NATS.AckWait
	}
	a.consumer = relay.NewConsumer(a.relay.JetStream(), consumerConfig, c.provisioner.HandlePaymentSucceeded)

	if !cfg.Jobs.Enabled {
		slog.Warn("periodic jobs are disabled on this instance")
		return nil
	}

	var locker gocron.Locker
	if cfg.Redis.URL != "" {
		client, err := jobs.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		a.redis = client
		locker = jobs.NewRedisLocker(client, cfg.Redis.LockTTL)
	} else {
		slog.Warn("redis.url is empty: jobs run without a distributed lock")
	}

	jobsConfig := jobs.Config{
		SweepInterval:     cfg.Jobs.SweepInterval,
		ReconcileInterval: cfg.Jobs.ReconcileInterval,
		JobTimeout:        cfg.Jobs.Timeout,
	}

	scheduler, err := jobs.NewScheduler(jobsConfig, c.subscriptions, c.payments, c.provisioner, locker)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	a.scheduler = scheduler
	return nil
}

// StartWorkers starts the event consumer and the job scheduler.
func (a *App) StartWorkers(ctx context.Context) error {
	if err := a.consumer.Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	if a.scheduler != nil {
		a.scheduler.Start()
	}
	return nil
}

// Run starts the workers and the HTTP servers.
func (a *App) Run(ctx context.Context) error {
	if err := a.StartWorkers(ctx); err != nil {
		return err
	}

	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	// Start main server
	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"version", version.Version,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

	var errs []error

	// Stop intake before the servers so in-flight work can still reach the store.
	if a.consumer != nil {
		a.consumer.Stop()
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.closeClients()

	return errors.Join(errs...)
}

func (a *App) closeClients() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", "error", err)
		}
	}
	if a.relay != nil {
		a.relay.Close()
	}
	a.db.Close()
}

// collectMetrics refreshes pool gauges every tick and subscription gauges
// every fourth tick, since the latter is a grouped count over the table.
func (a *App) collectMetrics(ctx context.Context, subs *subscriptions.Service) {
	collect := func(withCounts bool) {
		metrics.RecordDBPoolMetrics(a.db)
		if !withCounts {
			return
		}
		countCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		counts, err := subs.Stats(countCtx, 0)
		if err != nil {
			a.logger.Warn("failed to collect subscription counts", "error", err)
			return
		}
		metrics.RecordSubscriptionCounts(counts)
	}

	collect(true)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for tick := 1; ; tick++ {
		select {
		case <-ticker.C:
			collect(tick%4 == 0)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

func (a *App) setupRouter(c *components) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests from the admin console
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	// Validated with the config.
	trustedProxies, _ := httputil.ParseTrustedProxies(a.config.Server.TrustedProxies)
	r.Use(httputil.ClientIPMiddleware(trustedProxies))
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	subscriptionsHandler := subscriptions.NewHandler(c.subscriptions)
	paymentsHandler := payments.NewHandler(c.payments)

	r.Route("/api/v1", func(r chi.Router) {
		// Provider callbacks authenticate by signature.
		paymentsHandler.RegisterCallbackRoutes(r, a.config.Robokassa.AllowedIPs)

		r.Route("/internal", func(r chi.Router) {
			r.Use(httputil.InternalTokenMiddleware(a.config.Internal.Token))
			paymentsHandler.RegisterInternalRoutes(r)
			subscriptionsHandler.RegisterInternalRoutes(r)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(httputil.AuthMiddleware(c.tokens))
			r.Use(httputil.RequireRole(domain.RoleAdmin))
			subscriptionsHandler.RegisterAdminRoutes(r)
			paymentsHandler.RegisterAdminRoutes(r)
		})
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	if err := a.relay.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Broker unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
