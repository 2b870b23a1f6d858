package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/lynkgazer/internal/api/handlers"
	"github.com/langchou/lynkgazer/internal/api/lynkco"
	"github.com/langchou/lynkgazer/internal/auth"
	"github.com/langchou/lynkgazer/internal/config"
	"github.com/langchou/lynkgazer/internal/events"
	"github.com/langchou/lynkgazer/internal/mqtt"
	"github.com/langchou/lynkgazer/internal/repository"
	"github.com/langchou/lynkgazer/internal/service"
	"github.com/langchou/lynkgazer/internal/tokens"
	"github.com/langchou/lynkgazer/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting Lynkgazer",
		zap.String("port", cfg.ServerPort),
		zap.Bool("smart_polling", cfg.SmartPolling),
		zap.String("token_backend", cfg.TokenBackend),
	)

	// 创建 context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 连接数据库
	db, err := repository.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("Failed to connect database", zap.Error(err))
	}
	defer db.Close()

	// 执行数据库迁移
	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Database migrated successfully")

	// 创建 Repository
	regRepo := repository.NewRegistrationRepository(db)

	var tokenProvider tokens.Provider
	switch cfg.TokenBackend {
	case "file":
		tokenProvider = tokens.NewFileProvider(cfg.TokenDir)
	default:
		tokenProvider = repository.NewTokenRepository(db)
	}

	// 创建 Lynk & Co 客户端
	ep := cfg.Endpoints()
	authenticator, err := lynkco.NewAuthenticator(ep, logger)
	if err != nil {
		logger.Fatal("Failed to create authenticator", zap.Error(err))
	}
	client := lynkco.NewClient(ep, cfg.HTTPTimeout)

	// 事件总线和 WebSocket Hub
	bus := events.New()
	wsHub := ws.NewHub(logger)
	go wsHub.Run(ctx)
	if err := handlers.ForwardEvents(bus, wsHub); err != nil {
		logger.Fatal("Failed to forward events", zap.Error(err))
	}

	// 可选的 MQTT 推送
	if cfg.MQTTEnabled {
		publisher, err := mqtt.Connect(cfg.MQTT(), logger)
		if err != nil {
			logger.Fatal("Failed to connect MQTT broker", zap.Error(err))
		}
		defer publisher.Close()
		if err := publisher.Attach(bus); err != nil {
			logger.Fatal("Failed to attach MQTT publisher", zap.Error(err))
		}
	}

	// 创建注册服务
	registrationService := service.NewRegistrationService(service.Options{
		Backend: auth.NewBackend(authenticator, client),
		NewSession: func() (*lynkco.Session, error) {
			return lynkco.NewSession(cfg.HTTPTimeout)
		},
		Fetcher:       client,
		Registrations: regRepo,
		Tokens:        tokenProvider,
		Policy:        cfg.Policy(),
		Bus:           bus,
		Logger:        logger,
	})

	wsHub.SetInitDataProvider(func() *ws.InitData {
		views, err := registrationService.Registrations(ctx)
		if err != nil {
			logger.Warn("Failed to load registrations for websocket init", zap.Error(err))
			return nil
		}
		return &ws.InitData{Registrations: views}
	})

	if err := registrationService.Start(ctx); err != nil {
		logger.Fatal("Failed to start registration service", zap.Error(err))
	}

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := handlers.NewHandler(logger, registrationService, wsHub)
	handler.RegisterRoutes(router)

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// 停止服务
	registrationService.Stop()
	cancel()

	logger.Info("Server exited")
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
