// Package main is the entry point for Sellerdesk. The single binary runs
// the coordination runtime with the HTTP and WebSocket surfaces.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sellerdesk/sellerdesk/internal/chat"
	"github.com/sellerdesk/sellerdesk/internal/common/config"
	"github.com/sellerdesk/sellerdesk/internal/common/database"
	"github.com/sellerdesk/sellerdesk/internal/common/httpmw"
	"github.com/sellerdesk/sellerdesk/internal/common/logger"
	"github.com/sellerdesk/sellerdesk/internal/common/tracing"
	"github.com/sellerdesk/sellerdesk/internal/coordination/repository"
	"github.com/sellerdesk/sellerdesk/internal/coordinator"
	"github.com/sellerdesk/sellerdesk/internal/gateway/websocket"
	"github.com/sellerdesk/sellerdesk/internal/llm"
	"github.com/sellerdesk/sellerdesk/internal/marketplace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Sellerdesk...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracing.Init(cfg.Tracing)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	// Chat storage: sqlite locally, postgres when configured.
	var chatRepo chat.Repository
	switch cfg.Database.Driver {
	case "postgres":
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		chatRepo, err = chat.NewPostgresRepository(ctx, db)
		if err != nil {
			log.Fatal("Failed to initialize chat repository", zap.Error(err))
		}
		log.Info("PostgreSQL chat repository initialized")
	default:
		chatRepo, err = chat.NewSQLiteRepository(cfg.Database.Path)
		if err != nil {
			log.Fatal("Failed to initialize chat repository", zap.Error(err))
		}
		log.Info("SQLite chat repository initialized", zap.String("db_path", cfg.Database.Path))
	}
	defer chatRepo.Close()

	stateRepo, err := repository.NewSQLiteRepository(coordinationDBPath(cfg))
	if err != nil {
		log.Fatal("Failed to initialize coordination repository", zap.Error(err))
	}
	defer stateRepo.Close()

	// The marketplace client is optional; without credentials the market
	// agent works from its local cache.
	var amazon *marketplace.Amazon
	if cfg.Marketplace.LWAAppID != "" && cfg.Marketplace.SPAPIRefreshToken != "" {
		amazon = marketplace.NewAmazon(cfg.Marketplace, log)
		log.Info("Amazon SP-API client initialized")
	} else {
		log.Info("Marketplace credentials absent, running without SP-API")
	}

	coord, err := coordinator.New(cfg, coordinator.Deps{
		ChatRepo:  chatRepo,
		StateRepo: stateRepo,
		LLM:       llm.Stub{},
		Amazon:    amazon,
	}, log)
	if err != nil {
		log.Fatal("Failed to construct coordinator", zap.Error(err))
	}
	coord.Start(ctx)
	defer coord.Stop()

	// HTTP + WebSocket surface.
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.CORS())
	router.Use(httpmw.RequestLogger(log, "sellerdesk"))
	router.Use(httpmw.OtelTracing("sellerdesk"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"clients": coord.Hub.ClientCount(),
			"agents":  len(coord.Registry.All()),
		})
	})

	chatHandlers := chat.NewHandlers(coord.Chat, chatRepo, log)
	chatHandlers.RegisterRoutes(router)

	wsHandler := websocket.NewHandler(coord.Hub, log)
	wsHandler.RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown error", zap.Error(err))
	}
}

// coordinationDBPath derives the coordination database path from the chat
// database path so both live side by side.
func coordinationDBPath(cfg *config.Config) string {
	if cfg.Database.Path != "" {
		return cfg.Database.Path + ".coordination"
	}
	return "sellerdesk-coordination.db"
}
