package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/anoixa/product-images/api/core"
	"github.com/anoixa/product-images/config"
	"github.com/anoixa/product-images/internal/app"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start API server",
	Run: func(cmd *cobra.Command, args []string) {
		RunServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func RunServer() {
	cfg := config.Get()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	container := app.NewContainer(cfg)
	if err := container.InitDatabase(); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	InitDatabase(container)

	if err := container.InitServices(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}

	jwtService, err := container.JWT()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize JWT")
	}

	// 后台任务：下载重试扫描、Kafka 消费
	container.StartBackground(ctx)

	registerer, gatherer := container.Registry()
	deps := &core.ServerDependencies{
		Config:     cfg,
		Engine:     container.Engine(),
		JWT:        jwtService,
		DB:         container.GetDatabaseProvider(),
		Cache:      container.Cache(),
		Storage:    container.Storage(),
		Pool:       container.Pool(),
		Registerer: registerer,
		Gatherer:   gatherer,
	}

	// 启动gin
	server, cleanup := core.StartServer(deps)
	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("Server started")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// 处理退出signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancel()

	// 先停止接收请求，再停后台任务
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if cleanup != nil {
		cleanup()
		log.Info().Msg("Cleanup tasks finished.")
	}

	stop()
	if err := container.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing container")
	}

	log.Info().Msg("Server exited successfully")
}

// InitDatabase 建表
func InitDatabase(container *app.Container) {
	factory := container.GetDatabaseFactory()
	log.Info().Str("type", factory.GetProvider().Name()).Msg("Initializing database")

	// 自动DDL
	if err := factory.AutoMigrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to auto migrate database")
	}

	log.Info().Msg("Database initialized successfully")
}
