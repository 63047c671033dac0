package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/profile-sync/internal/browser"
	"github.com/alexjbarnes/profile-sync/internal/cloud"
	"github.com/alexjbarnes/profile-sync/internal/config"
	"github.com/alexjbarnes/profile-sync/internal/logging"
	"github.com/alexjbarnes/profile-sync/internal/monitor"
	"github.com/alexjbarnes/profile-sync/internal/notify"
	"github.com/alexjbarnes/profile-sync/internal/push"
	"github.com/alexjbarnes/profile-sync/internal/state"
	"github.com/alexjbarnes/profile-sync/internal/syncer"
)

var Version = "dev"

// resyncEvery is the cadence of the periodic full reconciliation pass.
// Push events keep the cache current between passes; the pass catches
// anything a dropped connection missed.
const resyncEvery = 30 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("profile-sync starting",
		slog.String("version", Version),
		slog.String("owner", cfg.Owner),
		slog.Bool("push", cfg.PushHost != ""),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := state.Open(cfg.StatePath, cfg.Owner)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	cloudClient, err := cloud.NewClient(nil, cfg.CloudAPIURL, cfg.CloudAPIToken, cfg.Owner)
	if err != nil {
		return fmt.Errorf("creating cloud client: %w", err)
	}

	browserClient := browser.NewClient(nil, cfg.BrowserAPIURL, cfg.BrowserRate())

	pushClient := push.NewClient(cfg.PushHost, logging.WithComponent(logger, "push"))
	defer pushClient.UnsubscribeAll()

	filterOwner := ""
	if cfg.FilterOwnAccounts {
		filterOwner = cfg.OwnerDisplayName
	}

	engine := syncer.NewEngine(browserClient, cloudClient, store, filterOwner,
		logging.WithComponent(logger, "syncer"))

	notifier := notify.NewLogNotifier(logger)

	mon := monitor.NewMonitor(cloudClient, browserClient, pushClient, store, engine,
		notifier, filterOwner, logging.WithComponent(logger, "monitor"))

	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("starting monitor: %w", err)
	}
	defer mon.Stop()

	// Login records created over a day ago and never bound to a
	// profile are dead weight; clear them once per run.
	if deleted, err := cloudClient.CleanupOrphanLinks(ctx); err != nil {
		logger.Warn("orphan link cleanup failed", slog.String("error", err.Error()))
	} else if deleted > 0 {
		logger.Info("cleaned up orphaned login links", slog.Int("deleted", deleted))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runReconciler(gctx, engine, mon, logger)
	})

	return g.Wait()
}

// runReconciler performs a full sync on startup and then on a fixed
// interval until the context is cancelled.
func runReconciler(ctx context.Context, engine *syncer.Engine, mon *monitor.Monitor, logger *slog.Logger) error {
	reconcile := func() {
		result, err := engine.FullSync(ctx)
		if err != nil {
			logger.Warn("full sync failed", slog.String("error", err.Error()))
			return
		}

		if len(result.Synced) > 0 {
			ids := make([]string, 0, len(result.Synced))
			for _, s := range result.Synced {
				ids = append(ids, s.AccountID)
			}

			if _, err := engine.SyncBrowserNames(ctx, ids); err != nil {
				logger.Warn("name sync failed", slog.String("error", err.Error()))
			}
		}

		summary := mon.Summary()
		logger.Info("reconciliation pass complete",
			slog.Int("accounts", summary.Total),
			slog.Int("online", summary.Online),
			slog.Int("offline", summary.Offline),
		)
	}

	reconcile()

	ticker := time.NewTicker(resyncEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			reconcile()

			if err := mon.SyncAll(ctx); err != nil {
				logger.Warn("status resync failed", slog.String("error", err.Error()))
			}
		}
	}
}
