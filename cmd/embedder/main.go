package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/llm-embedder/internal/app"
	"github.com/raaihank/llm-embedder/internal/config"
	"github.com/raaihank/llm-embedder/internal/logger"
	"github.com/raaihank/llm-embedder/internal/server"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	// Parse command line flags
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check against a running instance and exit")
		text        = flag.String("text", "", "Embed this text, print the vector as JSON and exit")
		countTokens = flag.Bool("count-tokens", false, "With -text, print the token count instead of the vector")
	)
	flag.Parse()

	// Show version and exit
	if *showVersion {
		fmt.Printf("LLM-Embedder %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	// Load configuration
	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Perform health check and exit
	if *healthCheck {
		performHealthCheck(cfg.Server.Port)
		return
	}

	// Initialize logger
	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if *text != "" {
		// Keep stdout for the result
		loggerConfig.Output = os.Stderr
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	services, err := app.NewServices(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}

	if *text != "" {
		err := embedOnce(services, *text, *countTokens)
		services.Close()
		if err != nil {
			log.Error("Embedding failed", zap.Error(err))
			log.Sync()
			os.Exit(1)
		}
		return
	}

	serve(loader, cfg, log, services)
}

// embedOnce embeds text and writes the result to stdout
func embedOnce(services *app.Services, text string, countTokens bool) error {
	if countTokens {
		n, err := services.Embedder.Tokenizer().Count(text)
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	vec, err := services.Embedder.Embed(ctx, text)
	services.Logger.LogEmbed("embed", 1, time.Since(start), err)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(vec)
}

// serve runs the ops server until a shutdown signal arrives
func serve(loader *config.Loader, cfg *config.Config, log *logger.Logger, services *app.Services) {
	log.Info("Starting LLM-Embedder",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.String("backend", string(cfg.Engine.Backend)),
		zap.Int("dimensions", services.Embedder.Dimensions()),
	)

	server.Version = version

	// Log level follows the config file; engine settings need a restart.
	loader.Watch(log.Logger, func(next *config.Config) {
		if err := log.SetLevel(next.Logging.Level); err != nil {
			log.Warn("Failed to apply log level", zap.Error(err))
		}
		if next.Engine != cfg.Engine {
			log.Warn("Engine configuration changed; restart to apply")
		}
	})

	serverErrors := make(chan error, 1)
	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.New(cfg.Server, log, services.Embedder, services.Metrics)
		go func() {
			serverErrors <- srv.Start()
		}()
	} else {
		log.Info("Ops server disabled; waiting for shutdown signal")
	}

	// Setup graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErrors:
		if err != nil {
			log.Error("Server error", zap.Error(err))
		}
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := srv.Stop(ctx); err != nil {
				log.Error("Failed to shutdown server gracefully", zap.Error(err))
			}
		}
	}

	if err := services.Close(); err != nil {
		log.Error("Failed to release engine resources", zap.Error(err))
	}
	log.Info("Shutdown complete")
}

// performHealthCheck performs a health check against the running server
func performHealthCheck(port int) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/health", port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
	os.Exit(0)
}
