package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/labmesh/backend/internal/answer"
	"github.com/labmesh/backend/internal/api/handlers"
	rediscache "github.com/labmesh/backend/internal/cache/redis"
	"github.com/labmesh/backend/internal/catalog"
	"github.com/labmesh/backend/internal/correlation"
	"github.com/labmesh/backend/internal/extraction"
	"github.com/labmesh/backend/internal/llm"
	"github.com/labmesh/backend/internal/metrics"
	"github.com/labmesh/backend/internal/middleware/ratelimit"
	"github.com/labmesh/backend/internal/middleware/security"
	"github.com/labmesh/backend/internal/middleware/validation"
	"github.com/labmesh/backend/internal/retrieval"
	"github.com/labmesh/backend/internal/storage/blob"
	"github.com/labmesh/backend/internal/storage/sqlite"
	"github.com/labmesh/backend/internal/vector/milvus"
	"github.com/labmesh/backend/pkg/config"
	appLogger "github.com/labmesh/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting LabMesh API server")
	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	blobStore, err := blob.NewStore(cfg.Blob.Root)
	if err != nil {
		appLogger.Fatal("Failed to create blob store", zap.Error(err))
	}

	// Vector search is an enhancement; retrieval degrades to the lexical
	// stages when the vector store is unreachable.
	var vectorClient *milvus.Client
	if c, err := milvus.NewClient(cfg.Milvus.Endpoint, cfg.Milvus.APIKey, cfg.Milvus.CollectionName, cfg.Milvus.VectorDim); err != nil {
		appLogger.Warn("Milvus unavailable, semantic search disabled", zap.Error(err))
	} else if err := c.EnsureCollection(context.Background()); err != nil {
		appLogger.Warn("Milvus collection setup failed, semantic search disabled", zap.Error(err))
		c.Close()
	} else {
		vectorClient = c
		defer vectorClient.Close()
	}

	var cacheClient *rediscache.Client
	if c, err := rediscache.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		appLogger.Warn("Redis unavailable, answer caching disabled", zap.Error(err))
	} else {
		cacheClient = c
		defer cacheClient.Close()
	}

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.FastModel,
		cfg.LLM.DeepModel,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
		cfg.LLM.TimeoutSec,
	)

	normalizer := catalog.NewNormalizer(sqliteClient)
	engine := extraction.NewEngine(llmClient)

	var indexer extraction.ChunkIndexer
	var searcher retrieval.VectorSearcher
	if vectorClient != nil {
		indexer = vectorClient
		searcher = vectorClient
	}

	var queryEmbedder retrieval.Embedder = llmClient
	if cacheClient != nil {
		queryEmbedder = retrieval.NewCachedEmbedder(llmClient, cacheClient)
	}

	controller := extraction.NewController(sqliteClient, blobStore, engine, normalizer, llmClient, indexer, cfg.Extraction)
	correlator := correlation.NewCorrelator(sqliteClient, llmClient)
	fusion := retrieval.NewFusion(sqliteClient, searcher, queryEmbedder, cfg.Retrieval)
	pipeline := answer.NewPipeline(fusion, sqliteClient, llmClient, cfg.Retrieval)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{IsDevelopment: cfg.Logging.Level == "debug"}))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: 60,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()
	app.Use(limiter.Middleware())
	app.Use(validation.Middleware(validation.Config{Logger: appLogger.GetLogger()}))

	fileHandler := handlers.NewFileHandler(sqliteClient, blobStore, sqliteClient)
	extractionHandler := handlers.NewExtractionHandler(controller, sqliteClient, sqliteClient, cacheOrNil(cacheClient))
	correlationHandler := handlers.NewCorrelationHandler(correlator, sqliteClient)
	queryHandler := handlers.NewQueryHandler(pipeline, sqliteClient, queryCacheOrNil(cacheClient))
	wsHandler := handlers.NewWebSocketHandler(pipeline)

	api := app.Group("/api/v1")

	api.Post("/files", fileHandler.Upload)
	api.Post("/extractions", extractionHandler.StartExtraction)
	api.Get("/extractions/:id", extractionHandler.GetJob)
	api.Post("/correlations", correlationHandler.RunCorrelation)
	api.Post("/query", queryHandler.HandleQuery)

	api.Use("/query/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/query/ws", websocket.New(wsHandler.HandleConnection))

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	app.Get("/metrics", metrics.MetricsHandler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}

// Typed-nil guards: a nil *redis.Client stored in a non-nil interface would
// defeat the handlers' nil checks.
func cacheOrNil(c *rediscache.Client) handlers.AnswerCache {
	if c == nil {
		return nil
	}
	return c
}

func queryCacheOrNil(c *rediscache.Client) handlers.QueryCache {
	if c == nil {
		return nil
	}
	return c
}
