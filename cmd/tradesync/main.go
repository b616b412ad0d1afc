// ====================================
// File: cmd/tradesync/main.go
// ====================================
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rovshanmuradov/tradesync/internal/config"
	"github.com/rovshanmuradov/tradesync/internal/export"
	"github.com/rovshanmuradov/tradesync/internal/logger"
	"github.com/rovshanmuradov/tradesync/internal/session"
	"github.com/rovshanmuradov/tradesync/internal/stream"
	"github.com/rovshanmuradov/tradesync/pkg/tradesync"
	"go.uber.org/zap"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("tradesync: %v", err)
	}
}

// run returns instead of exiting so deferred cleanup always runs.
func run(args []string) error {
	flags := flag.NewFlagSet("tradesync", flag.ContinueOnError)
	configPath := flags.String("config", "configs/config.json", "Path to config file")
	username := flags.String("user", os.Getenv("TRADESYNC_USERNAME"), "Username, used when no session is persisted")
	password := flags.String("password", os.Getenv("TRADESYNC_PASSWORD"), "Password")
	code := flags.String("code", "", "Second-factor code, if the account requires one")
	exportFormat := flags.String("export", "", "Export trade history (csv or json) and exit")
	exportDir := flags.String("export-dir", "exports", "Directory for exported files")
	dailyReport := flags.Bool("daily-report", false, "Also write today's JSON report when exporting")
	if err := flags.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := logger.DefaultConfig()
	logCfg.Development = cfg.DebugLogging
	if cfg.LogFile != "" {
		logCfg.LogFile = cfg.LogFile
	}
	appLogger, err := logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		_ = logger.Sync(appLogger)
	}()

	client, err := tradesync.New(tradesync.Options{Config: cfg, Logger: appLogger})
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer client.Close()

	if cfg.MetricsAddr != "" {
		srv := metricsServer(cfg.MetricsAddr, client)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error("Metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		appLogger.Info("Serving metrics", zap.String("addr", cfg.MetricsAddr))
	}

	client.OnStatus(func(s stream.Status) {
		fields := []zap.Field{zap.String("state", string(s.State))}
		if s.State == stream.StateReconnecting {
			fields = append(fields, zap.Int("attempt", s.Attempt), zap.Duration("delay", s.Delay))
		}
		if s.Err != nil {
			fields = append(fields, zap.Error(s.Err))
		}
		appLogger.Info("Stream status", fields...)
	})

	if err := signIn(ctx, client, *username, *password, *code); err != nil {
		appLogger.Error("Sign in failed", zap.Error(err))
		return fmt.Errorf("sign in: %w", err)
	}

	if *exportFormat != "" {
		if err := exportHistory(ctx, client, appLogger, export.Format(*exportFormat), *exportDir, *dailyReport); err != nil {
			appLogger.Error("Export failed", zap.Error(err))
			return err
		}
		return nil
	}
	appLogger.Info("Tradesync running")

	for {
		select {
		case <-ctx.Done():
			appLogger.Info("Shutting down")
			return nil
		case <-client.Updates():
			snap := client.Snapshot()
			appLogger.Info("State updated",
				zap.Uint64("version", snap.Version),
				zap.Bool("connected", snap.Connected),
				zap.String("bot", string(snap.Bot)),
				zap.Int("positions", len(snap.Positions)),
				zap.Int("orders", len(snap.Orders)),
				zap.String("portfolio_value", snap.Portfolio.TotalValue.String()))
		}
	}
}

// signIn resumes a persisted session, or logs in with the given credentials.
func signIn(ctx context.Context, client *tradesync.Client, username, password, code string) error {
	resumed, err := client.Restore(ctx)
	if err != nil {
		return err
	}
	if resumed {
		return nil
	}
	if username == "" || password == "" {
		return errors.New("no persisted session; -user and -password are required")
	}

	res, err := client.Login(ctx, session.Credentials{Username: username, Password: password})
	if err != nil {
		return err
	}
	if res.Challenge == nil {
		return nil
	}
	if code == "" {
		return errors.New("second factor required; pass -code")
	}
	_, err = client.CompleteSecondFactor(ctx, res.Challenge.ID, code)
	return err
}

func exportHistory(ctx context.Context, client *tradesync.Client, logger *zap.Logger, format export.Format, dir string, daily bool) error {
	trades, err := client.Gateway().TradeHistory(ctx, 0)
	if err != nil {
		return err
	}
	exporter := export.NewTradeExporter(logger)
	if _, err := exporter.ExportTrades(trades, export.Options{Format: format, OutputDir: dir}); err != nil {
		if !errors.Is(err, export.ErrNoTrades) {
			return err
		}
		logger.Info("No trades to export")
	}
	if daily {
		_, err = exporter.ExportDailyReport(trades, time.Now(), dir)
	}
	return err
}

func metricsServer(addr string, client *tradesync.Client) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", client.Metrics().Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !client.Snapshot().Connected {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("stream disconnected\n"))
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	return &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
}
