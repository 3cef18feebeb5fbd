package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/cloudcare/alert-desk/pkg/api"
	"github.com/cloudcare/alert-desk/pkg/config"
	"github.com/cloudcare/alert-desk/pkg/metrics"
	"github.com/cloudcare/alert-desk/pkg/services"
)

// @title CloudCare Alert Desk API
// @version 1.0
// @description Live emergency alert feed and alert actions for CloudCare
// @BasePath /api

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	config.SetupLogging(cfg.Log.Level)

	m := metrics.New("alert-desk")

	ctx := context.Background()
	desk, err := services.NewDesk(ctx, cfg, services.WithMetrics(m))
	if err != nil {
		logrus.Fatalf("Failed to set up alert desk: %v", err)
	}

	// Start the alert monitor
	if err := desk.Monitor.Start(ctx); err != nil {
		logrus.Fatalf("Failed to start alert monitor: %v", err)
	}
	logrus.Info("Alert monitoring service started")

	// Set up the Echo server
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(echo.WrapMiddleware(cors.New(cors.Options{
		AllowedOrigins: cfg.Server.Origins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Session-Id", "X-User-Role", "X-User-Id"},
	}).Handler))

	// API routes
	var history api.HistoryStore
	if desk.Archive != nil {
		history = desk.Archive
	}
	apiHandler := api.NewAPIHandler(desk.Monitor, history)
	apiHandler.SetupRoutes(e)

	// Metrics
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	// Swagger documentation
	e.GET("/swagger/*", echo.WrapHandler(httpSwagger.Handler()))

	// Use PORT environment variable if available, otherwise use config
	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.Server.Port
	}

	// Proxied calls may take up to the client timeout
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Client.Timeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start the server in a goroutine
	go func() {
		logrus.Infof("Starting server on port %s", port)
		if err := e.StartServer(server); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-desk.Monitor.Done():
		logrus.Error("Alert monitor stopped; shutting down")
	}
	logrus.Info("Shutting down server...")

	// Shutdown alert monitor and sinks
	desk.Close()
	logrus.Info("Alert monitor shutdown complete")

	// Create a deadline for graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	// Shutdown the server
	if err := e.Shutdown(shutdownCtx); err != nil {
		logrus.Fatalf("Server forced to shutdown: %v", err)
	}

	logrus.Info("Server exited properly")
}
