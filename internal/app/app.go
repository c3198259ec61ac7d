// Package app assembles the store, the ingesters, the scheduler and the REST
// server into a running service.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/chrissnell/utilitywatch/internal/controllers/restserver"
	"github.com/chrissnell/utilitywatch/internal/ingest"
	"github.com/chrissnell/utilitywatch/internal/log"
	"github.com/chrissnell/utilitywatch/internal/managers"
	"github.com/chrissnell/utilitywatch/internal/meter"
	"github.com/chrissnell/utilitywatch/internal/scheduler"
	"github.com/chrissnell/utilitywatch/internal/types"
	"github.com/chrissnell/utilitywatch/pkg/config"
)

// App represents the main application
type App struct {
	config *config.ConfigData
	logger *zap.SugaredLogger
}

// New creates a new application instance. c must already be validated.
func New(c *config.ConfigData, logger *zap.SugaredLogger) *App {
	return &App{
		config: c,
		logger: logger,
	}
}

// Run starts the application and blocks until shutdown
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Initialize the local store and the mirrors
	storageManager, err := managers.NewStorageManager(ctx, a.config, a.logger)
	if err != nil {
		return err
	}
	defer storageManager.Close()

	// Initialize the ingesters and their poll jobs
	im, err := managers.NewIngestManager(a.config, storageManager.Store, storageManager.Mirror, a.logger)
	if err != nil {
		return err
	}

	sched := scheduler.New()
	for _, job := range im.Jobs() {
		if err := sched.Add(job); err != nil {
			return err
		}
	}

	// Initialize the controller manager
	cm, err := managers.NewControllerManager(ctx, &wg, a.config, restserver.Deps{
		Store:      storageManager.Store,
		Scheduler:  sched,
		Reconciler: meter.NewReconciler(storageManager.Store, storageManager.Mirror, a.config.Location()),
		Backfill:   managers.NewBackfillService(im.Energy, sched, a.config),
		Mirror:     storageManager.Mirror,
		Location:   a.config.Location(),
	}, a.logger)
	if err != nil {
		return err
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	err = cm.StartControllers()
	if err != nil {
		cancel()
		sched.Wait()
		return err
	}

	log.Info("Application started successfully")

	// Set up signal handling
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	// Wait for shutdown signal
	select {
	case <-sigs:
		log.Info("shutdown signal received, initiating graceful shutdown...")
	case <-ctx.Done():
		log.Info("context cancelled, shutting down...")
	}

	// Cancel context to signal all goroutines to stop
	cancel()

	// Wait for all workers to terminate
	log.Info("waiting for all workers to terminate...")
	sched.Wait()
	im.Wait()
	wg.Wait()
	log.Info("shutdown complete")

	return nil
}

// Backfill runs a single backfill outside the service and returns its report.
func (a *App) Backfill(ctx context.Context, days int, only ...types.EnergyType) (*ingest.BackfillReport, error) {
	storageManager, err := managers.NewStorageManager(ctx, a.config, a.logger)
	if err != nil {
		return nil, err
	}
	defer storageManager.Close()

	im, err := managers.NewIngestManager(a.config, storageManager.Store, storageManager.Mirror, a.logger)
	if err != nil {
		return nil, err
	}
	return managers.NewBackfillService(im.Energy, nil, a.config).Backfill(ctx, days, only...)
}

// SubmitMeterReading stores one cumulative meter reading outside the service.
func (a *App) SubmitMeterReading(ctx context.Context, in meter.PointInput) (*meter.Result, error) {
	storageManager, err := managers.NewStorageManager(ctx, a.config, a.logger)
	if err != nil {
		return nil, err
	}
	defer storageManager.Close()

	res, err := meter.NewReconciler(storageManager.Store, storageManager.Mirror, a.config.Location()).Submit(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("meter reading not stored: %w", err)
	}
	return res, nil
}
