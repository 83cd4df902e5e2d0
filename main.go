/*
Package main is the entry point for the seqthink server.

seqthink runs a sequential reasoning orchestrator behind a REST API and relays
streamed completions from an upstream text-generation service. The server is
built using the Echo web framework and includes configuration loading,
structured logging, graceful shutdown and Prometheus metrics.

The serve command follows these initialization steps:
1. Load configuration from defaults, an optional YAML file and environment variables
2. Initialize structured logging
3. Create the core server instance with its thought generator
4. Set up HTTP middleware (logging, recovery, CORS, rate limiting)
5. Register API routes
6. Start the server with graceful shutdown support

The stream and tool commands talk to the upstream directly, which is useful
for checking an upstream before pointing the server at it.
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"seqthink/core"
)

var (
	portFlag     string // Overrides PORT
	upstreamFlag string // Overrides UPSTREAM_URL
	backendFlag  string // Overrides GENERATOR_BACKEND
)

var rootCmd = &cobra.Command{
	Use:   "seqthink",
	Short: "Sequential reasoning server and streaming relay",
	Long: `seqthink serves the sequentialthinking tool over HTTP and relays
streamed completions from an upstream text-generation service.

Running seqthink without a subcommand starts the server.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&upstreamFlag, "upstream", "", "Upstream base URL (overrides UPSTREAM_URL)")

	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVarP(&portFlag, "port", "p", "", "Port to listen on (overrides PORT)")
		cmd.Flags().StringVar(&backendFlag, "backend", "", "Thought generator backend: http, stream, ollama or gemini")
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(toolCmd)
}

// loadConfig loads the configuration and applies command line overrides.
func loadConfig() (*core.Config, error) {
	if portFlag != "" {
		os.Setenv("PORT", portFlag)
	}
	if upstreamFlag != "" {
		os.Setenv("UPSTREAM_URL", upstreamFlag)
	}
	if backendFlag != "" {
		os.Setenv("GENERATOR_BACKEND", backendFlag)
	}
	return core.LoadConfig()
}

// runServe initializes and starts the server. It handles the complete
// lifecycle: configuration loading, dependency initialization, HTTP setup
// and graceful shutdown on interrupt signals.
func runServe(cmd *cobra.Command, args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}

	logger := core.InitializeLogger(config)
	logger.Info("Starting seqthink server")

	server, err := core.NewServer(cmd.Context(), config, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to create server")
		return err
	}
	defer server.Close()

	e := echo.New()
	e.HideBanner = true
	e.Debug = config.DebugMode

	e.Use(middleware.Logger())  // HTTP request logging
	e.Use(middleware.Recover()) // Panic recovery
	e.Use(middleware.CORS())    // Cross-Origin Resource Sharing
	if config.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(config.RateLimit))))
	}

	server.RegisterRoutes(e)

	go func() {
		logger.WithField("port", config.Port).Info("Starting server")
		if err := e.Start(fmt.Sprintf(":%s", config.Port)); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Give in-flight requests 30 seconds to finish
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Failed to gracefully shutdown server")
		return err
	}
	logger.Info("Server shutdown complete")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
