package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/yuelin/studydesk/internal/blobstore"
	"github.com/yuelin/studydesk/internal/config"
	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/executor"
	"github.com/yuelin/studydesk/internal/index"
	"github.com/yuelin/studydesk/internal/logger"
	"github.com/yuelin/studydesk/internal/repository"
	"github.com/yuelin/studydesk/internal/vectorstore"
)

func main() {
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "studydesk-indexworker",
	})
	logger.SetDefault(appLogger)

	once := flag.Bool("once", false, "Drain the pending queues once and exit")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	db, err := repository.InitVFSDB(&cfg.Database, cfg.Data.VFSDBPath())
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize vfs database")
	}

	vectors, err := vectorstore.NewQdrantStore(&vectorstore.QdrantConfig{
		Host:   cfg.Qdrant.Host,
		Port:   cfg.Qdrant.Port,
		APIKey: cfg.Qdrant.APIKey,
		UseTLS: cfg.Qdrant.UseTLS,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to connect to Qdrant")
	}
	defer vectors.Close()

	blobs := blobstore.New(db, cfg.Data.BlobsDir(), appLogger)
	indexService := index.NewService(db, vectors, index.NewBuilderRegistry(), appLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	retryCfg := executor.DefaultRetryConfig()
	var textEmbedder, mmEmbedder executor.Embedder
	for i := range cfg.Models.Embeddings {
		mc := &cfg.Models.Embeddings[i]
		emb, err := executor.NewRestyEmbedder(mc, appLogger, retryCfg)
		if err != nil {
			appLogger.WithField("model", mc.Name).WithError(err).Fatal("Invalid embedding model config")
		}
		modality := domain.ModalityText
		if mc.Multimodal {
			modality = domain.ModalityMultimodal
		}
		if _, err := indexService.RegisterDimension(ctx, emb.Dimensions(), modality, mc.Name, mc.Model); err != nil {
			appLogger.WithField("model", mc.Name).WithError(err).Fatal("Failed to register embedding dimension")
		}
		switch {
		case mc.Multimodal && (mc.IsDefault || mmEmbedder == nil):
			mmEmbedder = emb
		case !mc.Multimodal && (mc.IsDefault || textEmbedder == nil):
			textEmbedder = emb
		}
	}
	if textEmbedder == nil {
		appLogger.Fatal("No text embedding model configured")
	}

	chunker := index.NewChunker(cfg.Index.ChunkSize, cfg.Index.ChunkOverlap)
	pool := index.NewWorkerPool(indexService, vectors, blobs, textEmbedder, mmEmbedder,
		chunker, appLogger, &index.WorkerConfig{
			Workers:   cfg.Index.Workers,
			BatchSize: cfg.Index.BatchSize,
		})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	if *once {
		stats, err := pool.RunOnce(ctx)
		if err != nil {
			appLogger.WithError(err).Fatal("Index pass failed")
		}
		appLogger.WithFields(logger.Fields{
			"total":   stats.TotalUnits,
			"indexed": stats.IndexedUnits,
			"failed":  stats.FailedUnits,
			"skipped": stats.SkippedUnits,
		}).Info("Index pass completed")
		return
	}

	appLogger.WithFields(logger.Fields{
		"workers":  cfg.Index.Workers,
		"interval": cfg.Index.PollInterval.String(),
	}).Info("Starting index worker")
	if err := pool.Run(ctx, cfg.Index.PollInterval); err != nil && ctx.Err() == nil {
		appLogger.WithError(err).Fatal("Index worker stopped")
	}
	appLogger.Info("Index worker exited")
}
