// bgtask/main.go
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"bgtask/api"
	"bgtask/config"
	"bgtask/logging"
	"bgtask/metrics"
	"bgtask/resource"
	"bgtask/task"
	"bgtask/tools"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.New(cfg)
	if logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	// 2. Initialize the task registry with its sinks and admission gate
	opts := []task.Option{
		task.WithLogger(logger),
		task.WithSink(task.LogSink{Logger: logger}),
		task.WithSink(metrics.TaskSink{}),
		task.WithPollerOptions(task.WithObserver(task.NewLogObserver(logger, cfg.ProgressLogThrottle))),
	}
	if cfg.ThrottleEnable {
		opts = append(opts, task.WithAdmitter(resource.NewGate(cfg, logger)))
	}
	registry, err := task.NewRegistry(cfg, opts...)
	if err != nil {
		logger.Fatalf("Failed to initialize task registry: %v", err)
	}

	// 3. Register tools and set up router and server
	dispatcher := tools.NewDispatcher(tools.StandardCatalog(cfg.ToolTimeUnit, logger), registry)
	router := api.SetupRouter(dispatcher, cfg, logger)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// 4. Start background services and HTTP server
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engineCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()
	registry.Start(engineCtx)

	go func() {
		logger.WithField("port", cfg.Port).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %s", err)
		}
	}()

	// 5. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()
	stop()
	logger.Info("Shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	// Running tasks see their context cancelled and finish as cancelled.
	stopEngine()
	done := make(chan struct{})
	go func() {
		registry.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("Tasks still running at exit")
	}

	logger.Info("Server exiting")
}
