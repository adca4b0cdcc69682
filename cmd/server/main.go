/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the remittance ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve (default)   Run the HTTP server
  token             Print a signed session token for a principal

STARTUP SEQUENCE:
  1. Parse command-line flags, load and validate configuration
  2. Build the zap logger
  3. Open the SQLite store
  4. Wire offline push (SQLite or Redis subscriptions), the optional Kafka
     mirror and the notification hub
  5. Build the ledger service over the aggregation cache
  6. Configure the HTTP router and start the candidate sweeper
  7. Serve until SIGINT/SIGTERM

GRACEFUL SHUTDOWN:
  1. Stop the sweeper
  2. Close every push channel
  3. Stop accepting new connections and wait for active requests
  4. Drain offline pushes, flush the Kafka mirror
  5. Close the database connection

EXAMPLES:
  # Run with defaults (remit.db, port 8080)
  ./server serve -c config.yml

  # Issue an administrator token for local testing
  ./server token -c config.yml --user admin-1 --role admin

SEE ALSO:
  - config/config.go: Configuration defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	_ "github.com/jsternberg/zap-logfmt"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"

	"github.com/warp/remit-engine/api"
	"github.com/warp/remit-engine/auth"
	"github.com/warp/remit-engine/cache"
	"github.com/warp/remit-engine/config"
	"github.com/warp/remit-engine/ledger"
	"github.com/warp/remit-engine/notify"
	"github.com/warp/remit-engine/store/sqlite"
)

func main() {
	app := kingpin.New("remit-engine", "Remittance ledger and real-time notification server.")
	configPath := app.Flag("config", "Path to the application config file").Short('c').String()

	serveCmd := app.Command("serve", "Run the HTTP server.").Default()
	tokenCmd := app.Command("token", "Print a signed session token.")
	tokenUser := tokenCmd.Flag("user", "User id to embed in the token").Required().String()
	tokenRole := tokenCmd.Flag("role", "Role to embed in the token").Default("user").Enum("admin", "user")

	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	k, appKonf, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	if err = appKonf.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	gate := auth.NewGate(appKonf.Auth.Secret, appKonf.Auth.Issuer, appKonf.Auth.TokenTTL)

	switch cmd {
	case tokenCmd.FullCommand():
		token, expiresAt, err := gate.IssueToken(ledger.Principal{
			UserID: ledger.UserID(*tokenUser),
			Role:   ledger.Role(*tokenRole),
		})
		if err != nil {
			log.Fatalf("Cannot issue token: %v", err)
		}
		fmt.Printf("%s\n# expires %s\n", token, expiresAt.Format("2006-01-02 15:04:05Z07:00"))
		return
	case serveCmd.FullCommand():
	}

	if !appKonf.IsProdMode {
		k.Print()
	}

	logger, err := newLogger(appKonf)
	if err != nil {
		log.Fatalf("Cannot build logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, appKonf, gate, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newLogger(appKonf config.Config) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = appKonf.Logger.Encoding
	if err := cfg.Level.UnmarshalText([]byte(appKonf.Logger.Level)); err != nil {
		return nil, fmt.Errorf("logger level: %w", err)
	}
	cfg.InitialFields = make(map[string]any)
	cfg.InitialFields["host"], _ = os.Hostname()
	cfg.InitialFields["service"] = appKonf.Application
	cfg.OutputPaths = []string{"stdout"}
	return cfg.Build()
}

func serve(ctx context.Context, appKonf config.Config, gate *auth.Gate, logger *zap.Logger) error {
	// Store
	store, err := sqlite.New(appKonf.Store.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	// Offline push
	var subs notify.SubscriptionStore = store
	if appKonf.Notify.SubscriptionStore == "redis" {
		redisClient, err := notify.ConnectRedis(ctx, appKonf.Notify.Redis.URI, appKonf.Notify.Redis.Password)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		subs = notify.NewRedisSubscriptions(redisClient, logger)
	}
	dispatcher := notify.NewDispatcher(subs, notify.NewWebhookPusher(appKonf.Notify.PushTimeout), notify.DispatcherConfig{
		Workers: appKonf.Notify.PushWorkers,
		Queue:   appKonf.Notify.PushQueue,
		Timeout: appKonf.Notify.PushTimeout,
	}, logger)
	dispatcher.Start()

	// Hub, with the Kafka mirror when enabled
	hubOpts := []notify.HubOption{notify.WithOffline(dispatcher)}
	routerOpts := api.RouterOptions{AllowedOrigins: appKonf.Server.AllowedOrigins}
	var mirror *notify.KafkaMirror
	if appKonf.Kafka.Enabled {
		metrics := kprom.NewMetrics("remit")
		mirror, err = notify.NewKafkaMirror(notify.KafkaConfig{
			Brokers: appKonf.Kafka.Brokers,
			Topic:   appKonf.Kafka.Topic,
		}, metrics, logger)
		if err != nil {
			return fmt.Errorf("create kafka mirror: %w", err)
		}
		hubOpts = append(hubOpts, notify.WithMirror(mirror))
		routerOpts.Metrics = metrics.Handler()
	}
	hub := notify.NewHub(logger, hubOpts...)

	// Ledger
	svc := ledger.NewService(store,
		ledger.WithCache(cache.New(appKonf.Cache.TTL)),
		ledger.WithNotifier(hub),
		ledger.WithLogger(logger),
		ledger.WithPolicy(ledger.Policy{
			Proof: ledger.ProofPolicy{
				MaxBytes:  appKonf.Ledger.MaxProofBytes,
				MaxImages: appKonf.Ledger.MaxProofImages,
				MaxRefLen: appKonf.Ledger.MaxReferenceLength,
			},
			Candidates: ledger.CandidatePolicy{
				PendingAge: appKonf.Ledger.CandidatePendingAge,
				SeenAge:    appKonf.Ledger.CandidateSeenAge,
				ProofAge:   appKonf.Ledger.CandidateProofAge,
			},
		}),
	)

	// HTTP
	handler := api.NewHandler(svc, hub, dispatcher, store, logger)
	handler.ChannelBuffer = appKonf.Notify.ChannelBuffer
	router := api.NewRouter(handler, gate, routerOpts)

	sweeper := api.NewCandidateSweeper(svc, logger)
	sweeper.Enabled = appKonf.Scheduler.Enabled
	sweeper.CheckInterval = appKonf.Scheduler.Interval
	sweeper.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", appKonf.Server.Port),
		Handler:      router,
		ReadTimeout:  appKonf.Server.ReadTimeout,
		WriteTimeout: appKonf.Server.WriteTimeout,
		IdleTimeout:  appKonf.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.Int("port", appKonf.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), appKonf.Server.ShutdownTimeout)
	defer cancel()

	sweeper.Stop()
	hub.CloseAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}
	dispatcher.Stop()
	if mirror != nil {
		if err := mirror.Close(shutdownCtx); err != nil {
			logger.Warn("kafka mirror flush failed", zap.Error(err))
		}
	}

	logger.Info("server stopped")
	return nil
}
