/*
Package app wires a Config into a running engine.

STARTUP SEQUENCE:
  1. Open the store selected by db_driver (sqlite, postgres or memory)
  2. Rebuild account balances by replaying the stored rows
  3. Attach the CalDAV mirror when caldav_url is set; it is fed through an
     AsyncObserver so CalDAV round trips stay off reconciliation runs
  4. Build the engine with the configured options

Both binaries (cmd/server and cmd/recurctl) start here.
*/
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/warp/recurrence-engine/calendar"
	"github.com/warp/recurrence-engine/config"
	"github.com/warp/recurrence-engine/generic"
	"github.com/warp/recurrence-engine/generic/store"
	"github.com/warp/recurrence-engine/recurrence"
	"github.com/warp/recurrence-engine/store/postgres"
	"github.com/warp/recurrence-engine/store/sqlite"
)

// Backend is everything a storage driver provides.
type Backend interface {
	generic.TxStore
	generic.RuleStore
	generic.RunLog
	ListTransactions(ctx context.Context, limit int) ([]generic.Transaction, error)
}

type App struct {
	Config   *config.Config
	Backend  Backend
	Balances *generic.AccountBalances
	Mirror   *calendar.Mirror // nil without CalDAV
	Engine   *recurrence.Engine
	Logger   *slog.Logger

	observer *recurrence.AsyncObserver // nil without CalDAV
	close    func() error
}

// NewLogger returns the text logger used by both binaries.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, err := cfg.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Open builds the application. A nil clock reads the wall clock in the
// configured time zone.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, clock generic.Clock) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	backend, closeFn, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Backend:  backend,
		Balances: generic.NewAccountBalances(),
		Logger:   logger,
		close:    closeFn,
	}
	if err := a.rebuildBalances(ctx); err != nil {
		a.Close()
		return nil, err
	}

	var observer recurrence.Observer
	if cfg.CalDAVURL != "" {
		mirror, err := calendar.NewMirror(cfg.CalDAVURL, cfg.CalDAVUser, cfg.CalDAVPassword, cfg.CalDAVCollection)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("caldav: %w", err)
		}
		mirror.Logger = logger
		a.Mirror = mirror
		a.observer = recurrence.NewAsyncObserver(mirror, recurrence.DefaultObserverBuffer)
		a.observer.Logger = logger
		observer = a.observer
	}

	if clock == nil {
		clock = generic.SystemClock{Location: cfg.Location()}
	}
	opts := cfg.EngineOptions()
	opts.Clock = clock
	opts.Observer = observer
	opts.RunLog = backend
	opts.Logger = logger

	a.Engine = recurrence.NewEngine(backend, generic.NewLedger(backend, a.Balances), opts)
	return a, nil
}

// Close delivers pending mirror events, then releases the store.
func (a *App) Close() error {
	if a.observer != nil {
		a.observer.Close()
		a.observer = nil
	}
	if a.close == nil {
		return nil
	}
	return a.close()
}

// rebuildBalances replays every stored row; balances live in memory only.
func (a *App) rebuildBalances(ctx context.Context) error {
	rows, err := a.Backend.ListTransactions(ctx, 0)
	if err != nil {
		return fmt.Errorf("replay ledger: %w", err)
	}
	for _, tx := range rows {
		if err := a.Balances.Apply(ctx, tx); err != nil {
			return fmt.Errorf("replay %s: %w", tx.ID, err)
		}
	}
	if len(rows) > 0 {
		a.Logger.Info("balances rebuilt", "rows", len(rows))
	}
	return nil
}

type memoryBackend struct {
	*store.TxMemory
	*store.Rules
	*store.RunLog
}

func openBackend(ctx context.Context, cfg *config.Config) (Backend, func() error, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.DBPath, err)
		}
		return s, s.Close, nil
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, s.Close, nil
	case config.DriverMemory:
		m := &memoryBackend{TxMemory: store.NewTxMemory(), Rules: store.NewRules(), RunLog: store.NewRunLog()}
		return m, func() error { return nil }, nil
	default:
		return nil, nil, errors.New("unknown db_driver " + cfg.DBDriver)
	}
}
