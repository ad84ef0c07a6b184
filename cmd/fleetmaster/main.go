package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/sirupsen/logrus"

	"github.com/hwfleet/fleetmaster/internal/app/dispatch"
	"github.com/hwfleet/fleetmaster/internal/app/planner"
	"github.com/hwfleet/fleetmaster/internal/app/sandbox"
	"github.com/hwfleet/fleetmaster/internal/app/task"
	"github.com/hwfleet/fleetmaster/internal/app/worker"
	apihttp "github.com/hwfleet/fleetmaster/internal/http"
	"github.com/hwfleet/fleetmaster/internal/log"
	loglogrus "github.com/hwfleet/fleetmaster/internal/log/logrus"
	"github.com/hwfleet/fleetmaster/internal/notify"
	"github.com/hwfleet/fleetmaster/internal/reasoning"
	"github.com/hwfleet/fleetmaster/internal/remote"
	"github.com/hwfleet/fleetmaster/internal/storage/sqlite"
)

const (
	// Version is the application version (set via ldflags).
	Version = "dev"
)

// Run runs the main application.
func Run(ctx context.Context, args []string) error {
	app := kingpin.New("fleetmaster", "Fleet orchestrator: task store, dispatcher, planner and sandbox manager.")
	app.DefaultEnvars()
	cfg := NewConfig(app)

	if _, err := app.Parse(args[1:]); err != nil {
		return fmt.Errorf("invalid command configuration: %w", err)
	}

	logger := getLogger(*cfg)

	// Storage.
	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: cfg.DBPath,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create repository: %w", err)
	}
	defer repo.Close()

	// Remote access to the fleet.
	sshKey, err := os.ReadFile(cfg.SSHKeyPath)
	if err != nil {
		return fmt.Errorf("could not read SSH key: %w", err)
	}
	runner, err := remote.NewSSHRunner(remote.SSHRunnerConfig{
		User:       cfg.SSHUser,
		PrivateKey: sshKey,
		Port:       cfg.SSHPort,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create SSH runner: %w", err)
	}

	// Reasoning, optional.
	var reasoner reasoning.Client
	if cfg.AnthropicAPIKey != "" {
		reasoner, err = reasoning.NewAnthropicClient(reasoning.AnthropicClientConfig{
			APIKey: cfg.AnthropicAPIKey,
			Model:  cfg.AnthropicModel,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("could not create reasoning client: %w", err)
		}
	} else {
		logger.Warningf("No reasoning API key, planning uses the fallback catalog only")
	}

	// Notifications, optional.
	var notifier notify.Notifier = notify.Noop
	if cfg.TelegramToken != "" {
		notifier, err = notify.NewTelegramNotifier(notify.TelegramNotifierConfig{
			Token:  cfg.TelegramToken,
			ChatID: cfg.TelegramChatID,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("could not create telegram notifier: %w", err)
		}
	}

	// Fallback catalog.
	catalog, err := planner.DefaultCatalog()
	if err != nil {
		return fmt.Errorf("could not load fallback catalog: %w", err)
	}
	if cfg.CatalogPath != "" {
		f, err := os.Open(cfg.CatalogPath)
		if err != nil {
			return fmt.Errorf("could not open catalog file: %w", err)
		}
		err = catalog.LoadExtra(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("could not load catalog file: %w", err)
		}
	}

	// Application services.
	taskSvc, err := task.NewService(task.ServiceConfig{Repository: repo, Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create task service: %w", err)
	}
	dispatchSvc, err := dispatch.NewService(dispatch.ServiceConfig{Repository: repo, Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create dispatch service: %w", err)
	}
	workerSvc, err := worker.NewService(worker.ServiceConfig{Repository: repo, Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create worker service: %w", err)
	}
	plannerSvc, err := planner.NewService(planner.ServiceConfig{
		Tasks:        taskSvc,
		Workers:      workerSvc,
		Reasoner:     reasoner,
		Notifier:     notifier,
		Catalog:      catalog,
		ArtifactBase: cfg.ArtifactDir,
		MasterURL:    cfg.MasterURL,
		Interval:     cfg.PlanInterval,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("could not create planner service: %w", err)
	}
	sandboxSvc, err := sandbox.NewService(sandbox.ServiceConfig{
		Repository: repo,
		Runner:     runner,
		Reasoner:   reasoner,
		BuildHost:  cfg.BuildHost,
		PortMin:    cfg.SandboxPortMin,
		PortMax:    cfg.SandboxPortMax,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create sandbox service: %w", err)
	}

	apiServer, err := apihttp.NewServer(apihttp.ServerConfig{
		Tasks:     taskSvc,
		Dispatch:  dispatchSvc,
		Workers:   workerSvc,
		Sandboxes: sandboxSvc,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("could not create API server: %w", err)
	}

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				logger.Infof("Termination signal received")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// API server.
	{
		server := &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: apiServer.Handler(),
		}

		g.Add(
			func() error {
				logger.Infof("API server listening on %s", cfg.ListenAddr)
				return server.ListenAndServe()
			},
			func(_ error) {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					logger.Errorf("Could not shut down API server: %s", err)
				}
			},
		)
	}

	// Planning loop.
	{
		plannerCtx, plannerCancel := context.WithCancel(ctx)

		g.Add(
			func() error {
				return plannerSvc.Run(plannerCtx)
			},
			func(_ error) {
				plannerCancel()
			},
		)
	}

	return g.Run()
}

// getLogger returns the application logger.
func getLogger(cfg Config) log.Logger {
	if cfg.NoLog {
		return log.Noop
	}

	logrusLog := logrus.New()
	logrusLog.Out = os.Stderr
	logrusLogEntry := logrus.NewEntry(logrusLog)

	if cfg.Debug {
		logrusLogEntry.Logger.SetLevel(logrus.DebugLevel)
	}

	switch cfg.LoggerType {
	case LoggerTypeDefault:
		logrusLogEntry.Logger.SetFormatter(&logrus.TextFormatter{
			ForceColors:   !cfg.NoColor,
			DisableColors: cfg.NoColor,
		})
	case LoggerTypeJSON:
		logrusLogEntry.Logger.SetFormatter(&logrus.JSONFormatter{})
	}

	logger := loglogrus.NewLogrus(logrusLogEntry).WithValues(log.Kv{
		"version": Version,
	})

	logger.Debugf("Debug level is enabled")

	return logger
}

func main() {
	ctx := context.Background()
	err := Run(ctx, os.Args)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
