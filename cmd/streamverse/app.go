package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deepansarkar03/streamverse/config"
	"github.com/deepansarkar03/streamverse/engine"
	"github.com/deepansarkar03/streamverse/logging"
	"github.com/deepansarkar03/streamverse/provider"
	"github.com/deepansarkar03/streamverse/store"
	"github.com/deepansarkar03/streamverse/strategy"
)

// app holds the components every command shares.
type app struct {
	cfg          *config.Config
	log          logging.Logger
	blocks       provider.BlockStore
	jobs         store.Store
	tracker      *engine.JobTracker
	engine       *engine.Engine
	orchestrator *strategy.Orchestrator
	pool         *engine.WorkerPool
	jobChan      engine.JobChannel
}

func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	log, err := logging.New(logOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	blocks, err := openBlockStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.EnsureContainer {
		if err := blocks.EnsureContainer(ctx); err != nil {
			return nil, fmt.Errorf("failed to prepare %s storage: %w", cfg.Storage.Backend, err)
		}
	}

	jobs, err := openRegistry(cfg)
	if err != nil {
		return nil, err
	}

	tracker := engine.NewJobTracker(jobs, engine.ProgressConfig{Interval: cfg.Transfer.ProgressInterval})
	eng := engine.New(blocks, engine.Config{
		BlockSize:     cfg.Transfer.BlockSize,
		Concurrency:   cfg.Transfer.Concurrency,
		StallWindow:   cfg.Transfer.StallWindow,
		SourceTimeout: cfg.Transfer.SourceTimeout,
	})

	// Source fetches are bounded by the engine's source timeout and stall
	// watchdog, not by the client.
	client := &http.Client{}
	o := strategy.NewOrchestrator(tracker, buildStrategies(cfg, eng, blocks, client, log), strategy.Options{
		HTTPClient:       client,
		PreflightTimeout: cfg.Transfer.PreflightTimeout,
	}, log)

	jobChan := make(engine.JobChannel, cfg.Transfer.QueueSize)
	pool := engine.NewWorkerPool(ctx, jobChan, o.Handle, log)
	pool.SetWorkerCount(cfg.Transfer.MaxJobs)
	o.SetPool(pool)

	return &app{
		cfg:          cfg,
		log:          log,
		blocks:       blocks,
		jobs:         jobs,
		tracker:      tracker,
		engine:       eng,
		orchestrator: o,
		pool:         pool,
		jobChan:      jobChan,
	}, nil
}

// Close stops the workers and closes the registry.
func (a *app) Close() error {
	a.pool.Stop()
	return a.jobs.Close()
}

func openBlockStore(ctx context.Context, cfg *config.Config) (provider.BlockStore, error) {
	sc := cfg.Storage
	switch sc.Backend {
	case config.BackendS3:
		return provider.NewS3Store(ctx, provider.S3Options{
			Bucket:     sc.S3.Bucket,
			Prefix:     sc.S3.Prefix,
			Region:     sc.S3.Region,
			Endpoint:   sc.S3.Endpoint,
			AccessKey:  sc.S3.AccessKey,
			SecretKey:  sc.S3.SecretKey,
			PathStyle:  sc.S3.PathStyle,
			PublicRead: sc.PublicRead,
		})
	case config.BackendAzure:
		return provider.NewAzureStore(sc.Azure.ConnectionString, sc.Azure.Container, sc.PublicRead)
	case config.BackendLocal:
		return provider.NewLocalStore(sc.Local.Root), nil
	}
	return nil, fmt.Errorf("%w: unknown storage backend %q", config.ErrInvalid, sc.Backend)
}

func openRegistry(cfg *config.Config) (store.Store, error) {
	switch cfg.Registry.Backend {
	case config.RegistryBolt:
		return store.NewBoltStore(cfg.Registry.Path)
	case config.RegistryMemory:
		return store.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("%w: unknown registry backend %q", config.ErrInvalid, cfg.Registry.Backend)
}

// buildStrategies returns the fallback chain: credentialed agent, then
// storage-side copy when the store can fetch URLs itself, then streaming.
func buildStrategies(cfg *config.Config, eng *engine.Engine, blocks provider.BlockStore, client *http.Client, log logging.Logger) []strategy.Strategy {
	var chain []strategy.Strategy

	if cfg.Agent.URL != "" {
		chain = append(chain, strategy.NewAgentStrategy(strategy.AgentOptions{
			URL:          cfg.Agent.URL,
			Secret:       cfg.Agent.Secret,
			Client:       client,
			PollInterval: cfg.Transfer.PollInterval,
			StallWindow:  cfg.Transfer.StallWindow,
		}, log))
	}

	if copier, ok := blocks.(provider.RemoteCopier); ok {
		chain = append(chain, strategy.NewCopyStrategy(copier, strategy.CopyOptions{
			StartTimeout: cfg.Transfer.CopyStartTimeout,
			StallWindow:  cfg.Transfer.StallWindow,
			PollInterval: cfg.Transfer.PollInterval,
		}, log))
	}

	return append(chain, strategy.NewStreamStrategy(eng))
}

// runJanitor evicts finished jobs and idle upload sessions until ctx is done.
func (a *app) runJanitor(ctx context.Context, uploads *engine.UploadManager) {
	go store.RunJanitor(ctx, a.jobs, a.cfg.Registry.Retention, a.cfg.Registry.SweepInterval, a.log)

	if uploads == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(a.cfg.Registry.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := uploads.Sweep(a.cfg.Transfer.StallWindow); n > 0 {
					a.log.Warn(ctx, "closed idle upload sessions", "count", n)
				}
			}
		}
	}()
}
