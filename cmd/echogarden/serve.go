package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Vortrix5/echogarden/pkg/config"
	"github.com/Vortrix5/echogarden/pkg/embedders"
	"github.com/Vortrix5/echogarden/pkg/graph"
	"github.com/Vortrix5/echogarden/pkg/llm"
	"github.com/Vortrix5/echogarden/pkg/logger"
	"github.com/Vortrix5/echogarden/pkg/observability"
	"github.com/Vortrix5/echogarden/pkg/orchestrator"
	"github.com/Vortrix5/echogarden/pkg/qa"
	"github.com/Vortrix5/echogarden/pkg/retriever"
	"github.com/Vortrix5/echogarden/pkg/server"
	"github.com/Vortrix5/echogarden/pkg/storage"
	"github.com/Vortrix5/echogarden/pkg/tools"
	"github.com/Vortrix5/echogarden/pkg/vector"
	"github.com/Vortrix5/echogarden/pkg/watcher"
	"github.com/Vortrix5/echogarden/pkg/worker"
)

// stubEmbedDims is the vector width used when no embedding model is
// reachable. Text and vision stubs share it so collections stay
// dimensionally consistent.
const stubEmbedDims = 256

// ServeCmd starts the full service.
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Logging.Format = cli.LogFormat
	}

	level, _ := logger.ParseLevel(cfg.Logging.Level)
	logger.Init(level, os.Stderr, cfg.Logging.Format)
	log := logger.GetLogger("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.Open(ctx, cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	provider, err := newVectorProvider(cfg)
	if err != nil {
		return fmt.Errorf("failed to create vector provider: %w", err)
	}
	defer provider.Close()

	metrics, err := observability.InitMetrics(ctx, cfg.Observability.MetricsEnabled)
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}

	// A dead LLM endpoint degrades to stub behavior instead of failing
	// startup.
	var llmClient *llm.Client
	if cfg.LLM.Mode == "local" {
		client := llm.NewClient(llm.Config{
			BaseURL:    cfg.LLM.URL,
			Model:      cfg.LLM.Model,
			EmbedModel: cfg.LLM.EmbedModel,
			Timeout:    cfg.LLM.Timeout,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := client.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Warn("LLM endpoint unreachable, running in stub mode", "url", cfg.LLM.URL, "error", err)
		} else {
			llmClient = client
			log.Info("LLM connected", "url", cfg.LLM.URL, "model", cfg.LLM.Model)
		}
	}

	var embedder embedders.Embedder
	if llmClient != nil {
		embedder = embedders.NewOllamaEmbedder(llmClient)
	} else {
		embedder = embedders.NewStubEmbedder(stubEmbedDims)
	}

	graphSvc := graph.NewService(store)
	ret := retriever.New(store, provider, embedder, graphSvc, cfg.Retrieval, metrics)

	registry := tools.NewRegistry(store, metrics)
	registry.MustRegister(
		tools.NewDocParseTool(store),
		tools.NewOCRTool(store, cfg.Pipeline.VisionMode, cfg.Pipeline.OCRURL),
		tools.NewASRTool(store, cfg.Pipeline.WhisperMode, cfg.Pipeline.WhisperURL),
		tools.NewVisionEmbedTool(store, provider, cfg.Pipeline.VisionMode, cfg.Pipeline.VisionURL),
		tools.NewTextEmbedTool(embedder, provider),
		tools.NewSummarizerTool(llmClient),
		tools.NewExtractorTool(llmClient),
		tools.NewGraphBuilderTool(graphSvc),
		tools.NewRetrievalTool(ret),
		tools.NewWeaverTool(llmClient),
		tools.NewVerifierTool(llmClient),
	)

	orch := orchestrator.New(store, registry, metrics, cfg.Capture.MaxFileMB)
	qaSvc := qa.NewService(store, orch)

	pollInterval := time.Duration(cfg.Capture.PollIntervalS) * time.Second
	watch := watcher.New(store, cfg.Capture.WatchPath, pollInterval, metrics)
	pool := worker.NewPool(store, orch, metrics, cfg.Capture.Workers, cfg.Capture.MaxAttempts)

	srv := server.New(server.Deps{
		Store:        store,
		Registry:     registry,
		Retriever:    ret,
		QA:           qaSvc,
		Orch:         orch,
		Graph:        graphSvc,
		Vector:       provider,
		LLM:          llmClient,
		CaptureKey:   cfg.Capture.APIKey,
		WatchRoot:    cfg.Capture.WatchPath,
		PollInterval: pollInterval,
	}, cfg.Server.Host, cfg.Server.Port)

	log.Info("Starting echogarden",
		"watch_path", cfg.Capture.WatchPath,
		"db", cfg.Storage.DBPath,
		"vector", provider.Name(),
		"workers", cfg.Capture.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(watch.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(pool.Run(gctx)) })
	g.Go(func() error { return srv.Start(gctx) })

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Shutdown complete")
	return nil
}

func newVectorProvider(cfg *config.Config) (vector.Provider, error) {
	pc := &vector.ProviderConfig{Type: vector.ProviderType(cfg.Vector.Provider)}
	switch pc.Type {
	case vector.ProviderChromem:
		pc.Chromem = &vector.ChromemConfig{PersistPath: cfg.Vector.Path}
	case vector.ProviderQdrant:
		pc.Qdrant = &vector.QdrantConfig{
			Host:   cfg.Vector.Host,
			Port:   cfg.Vector.Port,
			UseTLS: cfg.Vector.UseTLS,
		}
	}
	return vector.NewProvider(pc)
}

func ignoreCancel(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}
