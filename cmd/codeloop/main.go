package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeloop/internal/audit"
	"codeloop/internal/client"
	"codeloop/internal/config"
	"codeloop/internal/logging"
	"codeloop/internal/orchestrator"
	"codeloop/internal/ratelimit"
	"codeloop/internal/sandbox"
	"codeloop/internal/server"
	"codeloop/internal/store"

	"github.com/spf13/cobra"
)

var (
	version  = "0.1.0"
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "codeloop",
		Short: "Conversation loop that lets an AI model work inside project workspaces",
		Long: `Codeloop streams a model's reply, runs the file and shell tools it asks
for inside a per-project workspace, feeds the results back and repeats
until the model is done. Conversations are served over HTTP or run from
the terminal.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/codeloop/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newChatCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("codeloop version %s\n", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the components shared by every command.
type app struct {
	cfg       *config.Config
	store     store.Store
	sandboxes *sandbox.Manager
	audit     *audit.Logger
	orch      *orchestrator.Orchestrator
}

func loadApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Version = version
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := setupLogging(cfg.Logging); err != nil {
		return nil, err
	}

	factory, err := client.NewFactory(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	if a.store, err = store.Open(cfg.Store); err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if a.sandboxes, err = sandbox.NewManagerFromConfig(cfg.Sandbox); err != nil {
		a.close()
		return nil, err
	}
	a.audit, err = audit.NewLogger(audit.Config{
		Enabled:      cfg.Audit.Enabled,
		Dir:          cfg.Audit.Dir,
		MaxResultLen: cfg.Audit.MaxResultLen,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.orch = orchestrator.New(factory, a.sandboxes, a.store, orchestrator.OptionsFromConfig(cfg))
	a.orch.SetAuditLogger(a.audit)
	a.orch.SetLimiter(ratelimit.FromConfig(cfg.API.RateLimit))

	logging.Debug("application ready",
		"provider", cfg.API.Provider,
		"model", cfg.Model.Name,
		"store", cfg.Store.Driver,
		"sandbox", cfg.Sandbox.Backend)
	return a, nil
}

func (a *app) close() {
	if a.sandboxes != nil {
		if err := a.sandboxes.Close(); err != nil {
			logging.Warn("failed to close sandboxes", "error", err)
		}
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			logging.Warn("failed to close audit log", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logging.Warn("failed to close store", "error", err)
		}
	}
	logging.Close()
}

func setupLogging(cfg config.LoggingConfig) error {
	level := logging.ParseLevel(cfg.Level)
	if cfg.Dir == "" {
		logging.Configure(level, os.Stderr)
		return nil
	}
	if err := logging.EnableFileLogging(cfg.Dir, level, logging.RotationConfig{
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
	}); err != nil {
		return fmt.Errorf("failed to enable file logging: %w", err)
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve conversations over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()
			if addr != "" {
				a.cfg.Server.Addr = addr
			}

			srv := server.New(a.orch, a.store, a.sandboxes, a.cfg.Server)
			srv.SetAuditLogger(a.audit)

			path := cfgFile
			if path == "" {
				path = config.GetConfigPath()
			}
			if _, err := os.Stat(path); err == nil {
				stop, err := config.Watch(path, srv.ApplyConfig)
				if err != nil {
					logging.Warn("config watch disabled", "path", path, "error", err)
				} else {
					defer stop()
				}
			}

			ctx, cancel := signalContext()
			defer cancel()
			if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
