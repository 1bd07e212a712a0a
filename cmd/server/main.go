package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCacheCleaner/internal/config"
	"github.com/KevinKickass/OpenCacheCleaner/internal/storage"
	"github.com/KevinKickass/OpenCacheCleaner/internal/system"
)

var (
	// Global flags
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "cachecleaner",
	Short: "Clear Android app caches through the settings UI",
	Long: `OpenCacheCleaner drives the Android "App info" screens over adb to
clear the cache of many apps in one run.

Run "cachecleaner serve" for the API server or "cachecleaner run" for a
one-shot run from the terminal.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST, WebSocket and gRPC health servers",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "Path to the config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Development logging")

	serveCmd.Flags().Bool("mcp", false, "Also serve MCP tools on stdin/stdout")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(packagesCmd)
	rootCmd.AddCommand(scenariosCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(hashPasswordCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("cachecleaner", system.Version)
	},
}

// loadConfig reads the config file. A missing default file is not an error.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}
	return config.Load(path)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Log.Development || debug {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Log.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

// bootstrap loads config, logger and store and builds the lifecycle manager.
func bootstrap(cmd *cobra.Command, dbOverride string) (*system.LifecycleManager, *config.Config, *zap.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	if dbOverride != "" {
		cfg.Database.Driver = "sqlite"
		cfg.Database.SQLitePath = dbOverride
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	store, err := storage.Open(cmd.Context(), cfg.Database, logger)
	if err != nil {
		logger.Sync()
		return nil, nil, nil, err
	}

	lm, err := system.NewLifecycleManager(store, cfg, logger)
	if err != nil {
		store.Close()
		logger.Sync()
		return nil, nil, nil, err
	}
	return lm, cfg, logger, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	lifecycle, cfg, logger, err := bootstrap(cmd, "")
	if err != nil {
		log.Printf("startup failed: %v", err)
		return err
	}
	defer logger.Sync()

	// System starten
	if err := lifecycle.Start(); err != nil {
		logger.Error("Failed to start system", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if withMCP, _ := cmd.Flags().GetBool("mcp"); withMCP || cfg.MCP.Enabled {
		go func() {
			if err := lifecycle.ServeMCP(ctx, os.Stdin, os.Stdout); err != nil {
				logger.Warn("MCP server stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("OpenCacheCleaner started successfully")

	// Graceful Shutdown auf Signal oder API
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case <-lifecycle.Done():
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		return err
	}

	logger.Info("OpenCacheCleaner stopped successfully")
	return nil
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools on stdin/stdout without the HTTP servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		lifecycle, _, logger, err := bootstrap(cmd, "")
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		serveErr := lifecycle.ServeMCP(ctx, os.Stdin, os.Stdout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := lifecycle.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Shutdown failed", zap.Error(err))
		}
		return serveErr
	},
}
