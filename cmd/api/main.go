package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yuelin/studydesk/internal/api"
	"github.com/yuelin/studydesk/internal/blobstore"
	"github.com/yuelin/studydesk/internal/catalog"
	"github.com/yuelin/studydesk/internal/chat"
	"github.com/yuelin/studydesk/internal/config"
	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/executor"
	"github.com/yuelin/studydesk/internal/index"
	"github.com/yuelin/studydesk/internal/logger"
	"github.com/yuelin/studydesk/internal/rasterizer"
	"github.com/yuelin/studydesk/internal/repository"
	"github.com/yuelin/studydesk/internal/search"
	"github.com/yuelin/studydesk/internal/storage"
	"github.com/yuelin/studydesk/internal/tools"
	"github.com/yuelin/studydesk/internal/vectorstore"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := logger.New(logger.DefaultConfig())

	vfsDB, err := repository.InitVFSDB(&cfg.Database, cfg.Data.VFSDBPath())
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize vfs database")
	}
	chatDB, err := repository.InitChatDB(&cfg.Database, cfg.Data.ChatDBPath())
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize chat database")
	}

	blobs := blobstore.New(vfsDB, cfg.Data.BlobsDir(), appLogger)
	if cfg.Mirror.Enabled {
		mirror, err := storage.NewS3Storage(&storage.S3Config{
			Endpoint:  cfg.Mirror.Endpoint,
			AccessKey: cfg.Mirror.AccessKey,
			SecretKey: cfg.Mirror.SecretKey,
			UseSSL:    cfg.Mirror.UseSSL,
			Bucket:    cfg.Mirror.Bucket,
			Region:    cfg.Mirror.Region,
		})
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize blob mirror")
		}
		if err := mirror.EnsureBucket(context.Background()); err != nil {
			appLogger.WithError(err).Fatal("Failed to ensure mirror bucket")
		}
		blobs.SetMirror(mirror)
	}

	resourceRepo := catalog.NewResourceRepo(vfsDB)
	folderRepo := catalog.NewFolderRepo(vfsDB)
	catalogService := catalog.NewService(resourceRepo, folderRepo, blobs, appLogger)

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

	indexService := index.NewService(vfsDB, vectors, index.NewBuilderRegistry(), appLogger)

	// Every configured embedding model registers its dimension; the default
	// per modality also serves queries.
	retryCfg := executor.DefaultRetryConfig()
	embedders := map[domain.Modality]executor.Embedder{}
	searchEmbedders := map[int]executor.Embedder{}
	ctx := context.Background()
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
		searchEmbedders[emb.Dimensions()] = emb
		if mc.IsDefault || embedders[modality] == nil {
			embedders[modality] = emb
		}
	}
	if embedders[domain.ModalityText] == nil {
		appLogger.Fatal("No text embedding model configured")
	}

	searchService := search.NewService(resourceRepo, folderRepo, indexService, vectors, embedders, search.Config{
		Overfetch:         cfg.Search.Overfetch,
		RelativeThreshold: cfg.Search.RelativeThreshold,
		AbsoluteFloor:     cfg.Search.AbsoluteFloor,
		Timeout:           cfg.Search.Timeout,
	}, appLogger)
	if cfg.Search.CrossDim {
		for dim, emb := range searchEmbedders {
			searchService.RegisterDimEmbedder(dim, emb)
		}
	}

	chatStore := chat.NewStore(chatDB, resourceRepo, appLogger)
	streams := chat.NewStreamManager(appLogger)

	provider, err := chat.NewOpenAIProvider(&cfg.Models.LLM, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize LLM provider")
	}

	registry := tools.NewRegistry(appLogger)
	registry.Register(tools.NewRagSearchTool(searchService))
	registry.Register(tools.NewMemorySearchTool(resourceRepo))
	registry.Register(tools.NewReadResourceTool(catalogService))
	registry.Register(tools.NewListResourcesTool(catalogService))
	registry.Register(tools.NewCreateNoteTool(catalogService))
	if cfg.Chat.WebSearchURL != "" {
		registry.Register(tools.NewWebSearchTool(cfg.Chat.WebSearchURL))
	}

	pipeline := chat.NewPipeline(chatStore, catalogService, provider, registry, streams, chat.PipelineConfig{
		HistoryLimit:      cfg.Chat.HistoryLimit,
		SummaryTitleLimit: cfg.Chat.SummaryTitleLimit,
		SummaryDescLimit:  cfg.Chat.SummaryDescLimit,
		NonStreamTimeout:  cfg.Chat.NonStreamTimeout,
		ConfirmSensitive:  cfg.Chat.ConfirmSensitive,
	}, appLogger)

	registry.Register(tools.NewSubagentTool(chatStore, pipeline, cfg.Chat.SubagentMaxDepth, appLogger))

	router := api.SetupRouter(&api.Deps{
		Catalog:    catalogService,
		Blobs:      blobs,
		Index:      indexService,
		Search:     searchService,
		Chat:       chatStore,
		Pipeline:   pipeline,
		Streams:    streams,
		Rasterizer: rasterizer.NewImageListRasterizer(appLogger, cfg.Raster.DPI),
		Logger:     appLogger,
	}, &cfg.Server)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Let in-flight chat streams drain before the HTTP listener closes.
	if !streams.ShutdownTasks(cfg.Chat.ShutdownTimeout) {
		appLogger.Warn("Some chat streams did not finish before shutdown timeout")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Fatal("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
