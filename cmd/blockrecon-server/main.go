// Package main provides the entry point for the blockrecon server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/boblangley/blockrecon/internal/config"
	"github.com/boblangley/blockrecon/internal/db"
	"github.com/boblangley/blockrecon/internal/reconcile"
	"github.com/boblangley/blockrecon/internal/search"
	"github.com/boblangley/blockrecon/internal/server"
	"github.com/boblangley/blockrecon/internal/telemetry"
	"github.com/boblangley/blockrecon/internal/tracker"
	"github.com/boblangley/blockrecon/internal/version"
	"github.com/boblangley/blockrecon/internal/watcher"
)

// dataDirName holds the database, history and telemetry inside the
// extraction directory unless paths are given.
const dataDirName = ".blockrecon"

func main() {
	// Parse flags
	dir := flag.String("dir", "", "Extraction directory holding reference.jsonl and engine output")
	dbPath := flag.String("db", "", "Path to LadybugDB database (default: <dir>/.blockrecon/ladybug.db)")
	configPath := flag.String("config", "", "YAML engine configuration (default: built-in defaults)")
	historyPath := flag.String("history", "", "Change history file, .xz compressed when so named (default: <dir>/.blockrecon/history.jsonl.xz)")
	telemetryPath := flag.String("telemetry", "", "SQLite match run log (default: <dir>/.blockrecon/telemetry.db)")
	telemetryKeep := flag.Int("telemetry-keep", 500, "Match runs kept per engine")
	mcpAddr := flag.String("mcp", ":8000", "MCP HTTP server address (host:port); also serves /changes")
	grpcAddr := flag.String("grpc", ":50051", "gRPC server address")
	healthPort := flag.Int("health-port", 8080, "Health check HTTP server port (0 to disable)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	rebuild := flag.Bool("rebuild", false, "Clear the graph before the initial run")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", version.Name, version.Version)
		return
	}

	// Configure logging
	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Validate required flags
	if *dir == "" {
		fmt.Fprintln(os.Stderr, "error: -dir flag is required")
		flag.Usage()
		os.Exit(1)
	}

	absDir, err := filepath.Abs(*dir)
	if err != nil {
		slog.Error("failed to resolve extraction directory", "error", err)
		os.Exit(1)
	}

	dataDir := filepath.Join(absDir, dataDirName)
	if *dbPath == "" {
		*dbPath = filepath.Join(dataDir, "ladybug.db")
	}
	if *historyPath == "" {
		*historyPath = filepath.Join(dataDir, "history.jsonl.xz")
	}
	if *telemetryPath == "" {
		*telemetryPath = filepath.Join(dataDir, "telemetry.db")
	}

	engineCfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := config.WriteJSON(engineCfg, filepath.Dir(*dbPath)); err != nil {
		slog.Warn("failed to write effective configuration", "error", err)
	}

	slog.Info("starting blockrecon server",
		"version", version.Version,
		"dir", absDir,
		"db", *dbPath,
		"history", *historyPath,
		"mcp", *mcpAddr,
		"grpc", *grpcAddr,
	)

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Open database
	graphDB, err := db.Open(db.Config{
		Path:        *dbPath,
		AutoRecover: true,
		Logger:      logger,
	})
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer graphDB.Close()

	if *rebuild {
		if err := graphDB.ClearDatabase(ctx); err != nil {
			slog.Error("failed to clear database", "error", err)
			os.Exit(1)
		}
	}

	store, err := telemetry.Open(telemetry.Config{Path: *telemetryPath, Logger: logger})
	if err != nil {
		slog.Error("failed to open telemetry", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	if n, err := store.Prune(ctx, *telemetryKeep); err != nil {
		slog.Warn("failed to prune telemetry", "error", err)
	} else if n > 0 {
		slog.Info("pruned match runs", "deleted", n)
	}

	// The change feed observes every change the tracker records
	feed := server.NewFeed(server.FeedConfig{Logger: logger})
	go feed.Run(ctx)

	svc := reconcile.New(reconcile.Config{
		Engine:    engineCfg,
		Tracker:   tracker.New(tracker.WithLogger(logger), tracker.WithObserver(feed.Observe)),
		DB:        graphDB,
		Telemetry: store,
		Logger:    logger,
	})

	if n, err := svc.LoadHistories(ctx, *historyPath); err != nil {
		slog.Error("failed to load histories", "error", err)
		os.Exit(1)
	} else if n > 0 {
		slog.Info("histories restored", "blocks", n)
	}

	saveHistories := func() {
		if err := svc.SaveHistories(*historyPath); err != nil {
			slog.Error("failed to save histories", "error", err)
		}
	}

	// Initialize watcher
	w, err := watcher.New(watcher.Config{
		Dir:     absDir,
		Service: svc,
		OnRun: func(result reconcile.RunResult) {
			feed.PublishRun(result)
			if result.Baselined > 0 {
				saveHistories()
			}
		},
		Logger: logger,
	})
	if err != nil {
		slog.Error("failed to create watcher", "error", err)
		os.Exit(1)
	}

	// Perform initial run
	result, err := w.InitialRun(ctx)
	if err != nil {
		slog.Error("failed to perform initial run", "error", err)
		os.Exit(1)
	}
	slog.Info("initial run complete", "engines", len(result.Engines), "baselined", result.Baselined)

	// Start file watcher
	if err := w.Start(ctx); err != nil {
		slog.Error("failed to start watcher", "error", err)
		os.Exit(1)
	}
	defer func() { _ = w.Stop() }()

	searcher := search.New(graphDB)

	// Start MCP HTTP server with the change feed alongside
	var mcpHTTPServer *http.Server
	if *mcpAddr != "" {
		mcpServer := server.NewMCPServer(server.MCPConfig{
			Service:   svc,
			DB:        graphDB,
			Search:    searcher,
			Telemetry: store,
			Dir:       absDir,
			Logger:    logger,
		})

		mux := http.NewServeMux()
		mux.Handle("/changes", feed)
		mux.Handle("/", mcpServer.HTTPHandler())

		mcpHTTPServer = &http.Server{
			Addr:    *mcpAddr,
			Handler: mux,
		}

		go func() {
			slog.Info("starting MCP HTTP server", "addr", *mcpAddr)
			if err := mcpHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("MCP HTTP server error", "error", err)
			}
		}()
	}

	// Start gRPC server
	var grpcServer *server.GRPCServer
	if *grpcAddr != "" {
		grpcServer = server.NewGRPCServer(server.GRPCConfig{
			Service: svc,
			DB:      graphDB,
			Search:  searcher,
			Logger:  logger,
		})

		go func() {
			if err := grpcServer.Serve(*grpcAddr); err != nil {
				slog.Error("gRPC server error", "error", err)
			}
		}()
	}

	// Start health check server
	var healthServer *server.HealthServer
	if *healthPort > 0 {
		healthServer = server.NewHealthServer(server.HealthConfig{
			Port:     *healthPort,
			GRPCPort: portOf(*grpcAddr),
			MCPPort:  portOf(*mcpAddr),
			DB:       graphDB,
			Logger:   logger,
		})

		go func() {
			if err := healthServer.Start(); err != nil && err != http.ErrServerClosed {
				slog.Error("health server error", "error", err)
			}
		}()
	}

	slog.Info("server ready",
		"mcp", *mcpAddr,
		"grpc", *grpcAddr,
		"health", *healthPort,
	)

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if mcpHTTPServer != nil {
		if err := mcpHTTPServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("MCP HTTP server shutdown error", "error", err)
		}
	}
	if healthServer != nil {
		if err := healthServer.Stop(shutdownCtx); err != nil {
			slog.Error("health server shutdown error", "error", err)
		}
	}
	if grpcServer != nil {
		grpcServer.Stop()
	}
	saveHistories()
	slog.Info("server shutdown complete")
}

// portOf extracts the port of a listen address; 0 when there is none.
func portOf(addr string) int {
	if addr == "" {
		return 0
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
