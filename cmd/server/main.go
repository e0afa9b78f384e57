// Command server is the engine's single binary: it wires the gateway,
// vault, policy resolver, pricing engine, dispatcher, opener,
// reconciler, and emergency controller plus the HTTP
// ingress/admin/health surfaces, and runs them until signaled to stop.
// One flat wiring function hands every Runner to bootstrap.App.Run.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"sentryguard/internal/adminapi"
	"sentryguard/internal/alert"
	"sentryguard/internal/bootstrap"
	"sentryguard/internal/core"
	"sentryguard/internal/dispatcher"
	"sentryguard/internal/emergency"
	"sentryguard/internal/gatewayfactory"
	"sentryguard/internal/infrastructure/health"
	"sentryguard/internal/infrastructure/metrics"
	infraserver "sentryguard/internal/infrastructure/server"
	"sentryguard/internal/ingress"
	"sentryguard/internal/opener"
	"sentryguard/internal/policy"
	"sentryguard/internal/reconciler"
	"sentryguard/internal/risk"
	"sentryguard/internal/store"
	"sentryguard/internal/vault"
	"sentryguard/pkg/telemetry"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the engine's YAML configuration")
	flag.Parse()

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentryguard: %v\n", err)
		os.Exit(1)
	}
	cfg := app.Cfg
	logger := app.Logger

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatal("open store", "error", err)
	}

	users := store.NewUserStore(db)
	positions := store.NewPositionStore(db)
	alerts := store.NewAlertStore(db)
	leases := store.NewLeaseStore(db)
	logs := store.NewMonitoringLogStore(db)
	banned := store.NewBannedSymbolStore(db)

	v, err := vault.New(users, []byte(cfg.Exchange.EncryptionKey))
	if err != nil {
		logger.Fatal("init vault", "error", err)
	}

	gateways := gatewayfactory.New(
		gatewayfactory.VaultAdapter{Get: func(ctx context.Context, userID string) (gatewayfactory.Credentials, error) {
			creds, err := v.GetCredentials(ctx, userID)
			if err != nil {
				return gatewayfactory.Credentials{}, err
			}
			return gatewayfactory.Credentials{
				APIKey:     creds.APIKey,
				Secret:     creds.Secret,
				Passphrase: creds.Passphrase,
			}, nil
		}},
		cfg.Exchange.BaseURL,
		logger,
	)

	resolver := policy.New(users)
	riskChecker := risk.New(positions, gateways, logger)
	positionOpener := opener.New(gateways, positions, banned, logger)

	if cfg.App.EngineType == "dbos" {
		dbosCtx, err := dbos.NewDBOSContext(context.Background(), dbos.Config{
			AppName:     "sentryguard",
			DatabaseURL: cfg.App.DatabaseURL,
		})
		if err != nil {
			logger.Fatal("init dbos context", "error", err)
		}
		if err := dbosCtx.Launch(); err != nil {
			logger.Fatal("launch dbos", "error", err)
		}
		positionOpener.SetDBOS(dbosCtx)
		defer dbosCtx.Shutdown(30 * time.Second)
	}

	disp := dispatcher.New(alerts, users, positions, resolver, positionOpener, riskChecker, cfg.Dispatcher.MaxConcurrentUsers, logger)
	recon := reconciler.New(leases, positions, logs, banned, users, resolver, gateways, logger)
	emerg := emergency.New(users, positions, gateways, logs, logger)

	if _, err := telemetry.Setup("sentryguard"); err != nil {
		logger.Fatal("init telemetry", "error", err)
	}

	alertManager := buildAlertManager(cfg, logger)

	healthManager := health.NewHealthManager(logger)
	healthManager.Register("store", func() error { return db.DB().Ping() })
	healthSrv := infraserver.NewHealthServer(fmt.Sprintf("%d", cfg.Server.HealthPort), logger, healthManager)

	webhookSrv := newHTTPServer(fmt.Sprintf(":%d", cfg.Server.WebhookPort), func(mux *http.ServeMux) {
		ingress.New(disp, logger).Register(mux)
	})

	adminSrv := newHTTPServer(fmt.Sprintf(":%d", cfg.Server.AdminPort), func(mux *http.ServeMux) {
		adminapi.New(users, banned, emerg, cfg.Server.AdminAPIKeys, cfg.Server.AdminRateLimitPerKey, logger).Register(mux)
	})

	reconcilerLoop := &reconcilerRunner{
		recon:    recon,
		interval: time.Duration(cfg.Reconciler.IntervalSeconds) * time.Second,
		logger:   logger,
		alerts:   alertManager,
	}

	healthSrv.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = healthSrv.Stop(ctx)
	}()

	if cfg.Telemetry.EnableMetrics {
		metricsSrv := metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
		metricsSrv.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Stop(ctx)
		}()
	}

	if err := app.Run(webhookSrv, adminSrv, reconcilerLoop); err != nil {
		logger.Fatal("application exited with error", "error", err)
	}
}

// buildAlertManager wires whichever operational alert channels carry
// credentials in configuration; a channel left unconfigured is simply
// not added, so the manager degrades to a no-op sink rather than
// erroring at startup.
func buildAlertManager(cfg *bootstrap.Config, logger core.ILogger) *alert.AlertManager {
	mgr := alert.NewAlertManager(logger)
	if cfg.Alerting.SlackWebhookURL != "" {
		mgr.AddChannel(alert.NewSlackChannel(string(cfg.Alerting.SlackWebhookURL)))
	}
	if cfg.Alerting.TelegramBotToken != "" && cfg.Alerting.TelegramChatID != "" {
		mgr.AddChannel(alert.NewTelegramChannel(string(cfg.Alerting.TelegramBotToken), cfg.Alerting.TelegramChatID))
	}
	return mgr
}

// httpServer is a bootstrap.Runner wrapping a net/http.Server, mirroring
// infrastructure/server.HealthServer's own Start/Stop pattern but
// expressed as Run(ctx) so it composes with app.Run's errgroup.
type httpServer struct {
	srv *http.Server
}

func newHTTPServer(addr string, register func(mux *http.ServeMux)) *httpServer {
	mux := http.NewServeMux()
	register(mux)
	return &httpServer{srv: &http.Server{Addr: addr, Handler: mux}}
}

func (s *httpServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// reconcilerRunner drives the reconciler on a fixed tick, as RunOnce's own doc
// comment calls for ("Call it from an external scheduler every few
// seconds"), and raises an operational alert when a cycle errors out.
type reconcilerRunner struct {
	recon    *reconciler.Reconciler
	interval time.Duration
	logger   core.ILogger
	alerts   *alert.AlertManager
}

func (r *reconcilerRunner) Run(ctx context.Context) error {
	if r.interval <= 0 {
		r.interval = 5 * time.Second
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler loop starting", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.recon.RunOnce(ctx); err != nil {
				r.logger.Error("reconciliation cycle failed", "error", err)
				r.alerts.Alert(ctx, "reconciliation cycle failed", err.Error(), alert.Error, nil)
			}
		}
	}
}
