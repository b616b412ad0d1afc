package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rovshanmuradov/tradesync/internal/config"
	"github.com/rovshanmuradov/tradesync/internal/logger"
	"github.com/rovshanmuradov/tradesync/internal/session"
	"github.com/rovshanmuradov/tradesync/internal/stream"
	"github.com/rovshanmuradov/tradesync/pkg/tradesync"
	"go.uber.org/zap"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("tradesync-tui: %v", err)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("tradesync-tui", flag.ContinueOnError)
	configPath := flags.String("config", "configs/config.json", "Path to config file")
	username := flags.String("user", os.Getenv("TRADESYNC_USERNAME"), "Username, used when no session is persisted")
	password := flags.String("password", os.Getenv("TRADESYNC_PASSWORD"), "Password")
	code := flags.String("code", "", "Second-factor code, if the account requires one")
	if err := flags.Parse(args); err != nil {
		return err
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// the screen belongs to the TUI; logs go to the file and the log pane
	recent := logger.NewBuffer(200)
	logCfg := logger.DefaultConfig()
	logCfg.Console = false
	logCfg.Development = cfg.DebugLogging
	logCfg.Recent = recent
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

	statusC := make(chan stream.Status, 16)
	client.OnStatus(func(s stream.Status) {
		select {
		case statusC <- s:
		default:
			appLogger.Debug("Status update dropped", zap.String("state", string(s.State)))
		}
	})

	if err := signIn(rootCtx, client, *username, *password, *code); err != nil {
		appLogger.Error("Sign in failed", zap.Error(err))
		return fmt.Errorf("sign in: %w", err)
	}
	appLogger.Info("Starting tradesync TUI")

	program := tea.NewProgram(
		newAppModel(client, recent, statusC),
		tea.WithAltScreen(),
		tea.WithContext(rootCtx),
	)
	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		appLogger.Error("TUI application failed", zap.Error(err))
		return err
	}
	appLogger.Info("Shutting down TUI application")
	return nil
}

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
	if err != nil || res.Challenge == nil {
		return err
	}
	if code == "" {
		return errors.New("second factor required; pass -code")
	}
	_, err = client.CompleteSecondFactor(ctx, res.Challenge.ID, code)
	return err
}
