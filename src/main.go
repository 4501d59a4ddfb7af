// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"indexbatcher/src/cloud"
	"indexbatcher/src/config"
	"indexbatcher/src/containerization"
	"indexbatcher/src/ledger"
	"indexbatcher/src/logging"
	"indexbatcher/src/model"
	"indexbatcher/src/processor"
	"indexbatcher/src/resources"
)

func main() {
	os.Exit(run())
}

func run() int {
	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}

	otelShutdown, err := logging.SetupOTelSDK(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup OTel SDK: %v\n", err)
		return 2
	}
	defer func() {
		// Ensure OTel flushes before exiting
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()
	if err := logging.InitializeSchedulerMetrics(); err != nil {
		logging.Log(fmt.Sprintf("Error initializing metrics: %v", err), slog.LevelWarn)
	}

	if settings.CatalogPath == "" {
		logging.Log("BATCH_CONFIG is not set", slog.LevelError)
		return 2
	}
	catalog, err := config.LoadCatalog(settings.CatalogPath)
	if err != nil {
		logging.Log(fmt.Sprintf("Error loading %s: %v", settings.CatalogPath, err), slog.LevelError)
		return 2
	}
	if catalog.DockerSlots > 0 {
		settings.DockerSlots = catalog.DockerSlots
	}
	jobs := processor.NewJobCatalog(catalog.Definitions)

	// Setup Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBatcher(ctx, settings, catalog, jobs)
	if err != nil {
		logging.Log(err.Error(), slog.LevelError)
		return 2
	}
	defer b.close()

	if settings.APIPort != "" {
		go func() {
			if err := StartAPIServer(ctx, settings.APIPort, b.stats); err != nil {
				logging.Log(fmt.Sprintf("API server error: %v", err), slog.LevelError)
			}
		}()
	}

	if settings.BatchCron == "" {
		if err := b.runOnce(ctx); err != nil {
			return 1
		}
		return 0
	}

	c := cron.New(
		cron.WithLogger(cronLogger{}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{})),
	)
	if _, err := c.AddFunc(settings.BatchCron, func() { _ = b.runOnce(ctx) }); err != nil {
		logging.Log(fmt.Sprintf("Invalid BATCH_CRON %q: %v", settings.BatchCron, err), slog.LevelError)
		return 2
	}
	logging.Log(fmt.Sprintf("Batcher started. Waiting for schedule %q...", settings.BatchCron), slog.LevelInfo)
	c.Start()
	<-ctx.Done()
	logging.Log("Shutting down batcher gracefully...", slog.LevelInfo)
	<-c.Stop().Done()
	return 0
}

// batcher owns the long-lived collaborators shared by every run.
type batcher struct {
	settings config.Settings
	catalog  *config.Catalog
	jobs     *processor.JobCatalog
	workerID string

	sampler *resources.Monitor
	docker  *containerization.DockerRuntime
	batch   cloud.BatchClient
	objects cloud.ObjectStore
	ledger  *ledger.Store
	stats   *BatchStats
}

func newBatcher(ctx context.Context, settings config.Settings, catalog *config.Catalog, jobs *processor.JobCatalog) (*batcher, error) {
	b := &batcher{
		settings: settings,
		catalog:  catalog,
		jobs:     jobs,
		workerID: uuid.New().String(),
		sampler:  resources.NewMonitor(),
	}
	b.stats = NewBatchStats(b.workerID)
	logging.Log(fmt.Sprintf("Starting batcher with UUID: %s", b.workerID), slog.LevelInfo)

	var needsContainer, needsCloud bool
	for _, def := range jobs.Definitions() {
		needsContainer = needsContainer || def.Type == model.BackendContainer
		needsCloud = needsCloud || def.Type == model.BackendCloud
	}

	if needsContainer {
		rt, err := containerization.NewDockerRuntime()
		if err != nil {
			logging.Log(fmt.Sprintf("Container backend disabled: %v", err), slog.LevelWarn)
		} else {
			b.docker = rt
			// Pre-pull Docker Images
			rt.PullImages(ctx, jobs.Images())
		}
	}
	if needsCloud {
		awsCfg, err := cloud.LoadAWSConfig(ctx)
		if err != nil {
			logging.Log(fmt.Sprintf("Cloud backend disabled: %v", err), slog.LevelWarn)
		} else {
			b.batch = cloud.NewAWSBatch(awsCfg)
			b.objects = cloud.NewS3Store(awsCfg)
		}
	}
	if settings.LedgerDSN != "" {
		store, err := ledger.Open(settings.LedgerDSN)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("migrate ledger: %w", err)
		}
		b.ledger = store
	}
	return b, nil
}

func (b *batcher) close() {
	if b.docker != nil {
		b.docker.Close()
	}
	if b.ledger != nil {
		b.ledger.Close()
	}
}

// orchestrator builds a fresh set of queues for one run.
func (b *batcher) orchestrator() *processor.Orchestrator {
	s := b.settings
	runID := uuid.New().String()
	var rec model.Recorder = model.NopRecorder{}
	if b.ledger != nil {
		rec = b.ledger.ForRun(runID)
	}

	opts := processor.Options{
		RunID:                 runID,
		Catalog:               b.jobs,
		Local:                 processor.NewLocalRunner(processor.CommandGenerator{Args: s.GeneratorCmd, OutDir: s.IndexDir}, nil, rec),
		Downloader:            processor.NewHTTPDownloader(s.WorkDir),
		Sampler:               b.sampler,
		Recorder:              rec,
		Remote:                b.catalog.Remote,
		InputDir:              s.InputDir,
		SkipExistingDir:       s.SkipExistingDir,
		InputExtensions:       s.InputExtensions,
		TargetSuffix:          s.TargetSuffix,
		ContainerPollInterval: s.ContainerPollInterval,
		CloudPollInterval:     s.CloudPollInterval,
		DrainTimeout:          s.DrainTimeout,
	}
	if b.docker != nil {
		opts.Container = containerization.NewBackend(b.docker, b.sampler, containerization.Config{
			Slots:     s.DockerSlots,
			ResultDir: s.IndexDir,
			Recorder:  rec,
		})
	}
	if b.batch != nil {
		opts.Cloud = cloud.NewBackend(b.batch, b.objects, cloud.Config{
			IndexDir:         s.IndexDir,
			SubmitDelay:      s.CloudSubmitDelay,
			MaxFetchAttempts: s.CloudFetchMaxAttempts,
			FetchBackoff:     s.CloudFetchBackoff,
			FetchMaxBackoff:  s.CloudFetchMaxBackoff,
			Recorder:         rec,
		})
	}
	return processor.NewOrchestrator(opts)
}

func (b *batcher) runOnce(ctx context.Context) error {
	o := b.orchestrator()
	b.stats.Track(o)
	report, err := o.RunBatch(ctx)
	b.stats.Finish(report)
	if err != nil {
		logging.Log(fmt.Sprintf("Batch run %s failed: %v", o.RunID(), err), slog.LevelError)
	}
	return err
}

// cronLogger routes scheduler logs through the otel logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Log(fmt.Sprintf("cron: %s %v", msg, keysAndValues), slog.LevelInfo)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logging.Log(fmt.Sprintf("cron: %s: %v %v", msg, err, keysAndValues), slog.LevelError)
}
