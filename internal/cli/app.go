package cli

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"taskrunner/internal/config"
	"taskrunner/internal/core"
	"taskrunner/internal/events"
	"taskrunner/internal/logging"
	"taskrunner/internal/notify"
	"taskrunner/internal/service"
	"taskrunner/internal/store"
	"taskrunner/internal/tasks"
)

// App is the wired daemon: every command builds one and closes it on exit.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *store.Store
	Registry  *core.Registry
	Bus       *events.Bus
	Scheduler *core.Scheduler
	Service   *service.Service
}

// NewApp opens and migrates the store and wires the scheduler. Logs go to
// logOut, which must be stderr when stdout carries the MCP protocol.
func NewApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*App, error) {
	logger := logging.NewWithWriter(logOut, cfg.Log.Level, cfg.Log.Format)

	st, err := store.Open(ctx, store.Options{
		Driver:   cfg.Database.Driver,
		DSN:      cfg.Database.DSN,
		StateDir: cfg.StateDir,
	})
	if err != nil {
		return nil, err
	}

	registry := core.NewRegistry()
	err = tasks.Register(registry, tasks.Deps{
		Store:       st,
		RunLogs:     st,
		HTTPClient:  &http.Client{Timeout: time.Minute},
		StateDir:    cfg.StateDir,
		HistoryKeep: cfg.History.Keep,
	})
	if err != nil {
		_ = st.Close()
		return nil, errors.Wrap(err, "register built-in tasks")
	}

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	bus := events.NewBus(logger)
	location := cfg.Location()
	scheduler := core.NewScheduler(st, registry, logger, core.SchedulerConfig{
		Location:         location,
		MachineName:      cfg.Scheduler.MachineName,
		PollInterval:     cfg.Scheduler.PollInterval,
		ProgressInterval: cfg.Scheduler.ProgressInterval,
		MaxConcurrent:    cfg.Scheduler.MaxConcurrent,
		Notifier:         notifier,
		Events:           bus,
	})

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     st,
		Registry:  registry,
		Bus:       bus,
		Scheduler: scheduler,
		Service:   service.New(st, scheduler, registry, location),
	}, nil
}

// Close releases the event bus and the database handle.
func (a *App) Close() error {
	return errors.Join(a.Bus.Close(), a.Store.Close())
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) (core.Notifier, error) {
	var notifiers []notify.Notifier
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL, "taskrunner")
		if err != nil {
			return nil, errors.Wrap(err, "configure bark")
		}
		notifiers = append(notifiers, bark)
	}
	if cfg.Notification.Log {
		notifiers = append(notifiers, notify.NewLogNotifier(logger))
	}
	switch len(notifiers) {
	case 0:
		return &notify.NoOpNotifier{}, nil
	case 1:
		return notifiers[0], nil
	default:
		return notify.NewMultiNotifier(notifiers...), nil
	}
}
