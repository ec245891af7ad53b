// Package app provides the entry point for the mcpmux command-line
// application.
package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcpmux/mcpmux/pkg/logger"
	"github.com/mcpmux/mcpmux/pkg/mux/catalog"
	"github.com/mcpmux/mcpmux/pkg/mux/config"
	"github.com/mcpmux/mcpmux/pkg/mux/health"
	"github.com/mcpmux/mcpmux/pkg/mux/registry"
	"github.com/mcpmux/mcpmux/pkg/mux/router"
	"github.com/mcpmux/mcpmux/pkg/mux/server"
	"github.com/mcpmux/mcpmux/pkg/mux/session"
	"github.com/mcpmux/mcpmux/pkg/mux/status"
	"github.com/mcpmux/mcpmux/pkg/mux/transport"
)

var rootCmd = &cobra.Command{
	Use:               "mcpmux",
	DisableAutoGenTag: true,
	Short:             "Aggregate multiple MCP servers behind one endpoint",
	Long: `mcpmux multiplexes tools, resources, and prompts from many backend MCP
(Model Context Protocol) servers into a single unified MCP surface.

Backends may be spawned child processes (stdio transport) or network
endpoints (streamable HTTP or SSE). Capabilities are discovered at
connection time, namespace-qualified to avoid name collisions, and
routed back to the owning backend on every request. Backend failures
degrade only the affected capabilities; the rest keep serving.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates the root command for the mcpmux CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to mcpmux configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the aggregation server",
		Long: `Start the aggregation server.

Reads the configuration file given by --config, connects to every
enabled backend, and serves the unified MCP surface over streamable
HTTP. Health and status endpoints are exposed at /healthz and /statusz
on the same listener.`,
		RunE: runServe,
	}
	cmd.Flags().String("host", "", "Bind address (overrides configuration)")
	cmd.Flags().Int("port", 0, "Bind port (overrides configuration)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("mcpmux version: %s", getVersion())
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the mcpmux configuration file.

Checks YAML syntax, required fields per transport, duplicate backend
names, and namespace validity without starting any backend.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config flag")
			}

			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return fmt.Errorf("configuration loading failed: %w", err)
			}

			logger.Infof("Configuration is valid")
			logger.Infof("  Name: %s", cfg.Name)
			logger.Infof("  Listen: %s:%d%s", cfg.Host, cfg.Port, cfg.EndpointPath)
			enabled := 0
			for i := range cfg.Backends {
				if cfg.Backends[i].IsEnabled() {
					enabled++
				}
			}
			logger.Infof("  Backends: %d configured, %d enabled", len(cfg.Backends), enabled)
			return nil
		},
	}
}

// getVersion returns the version string, replaced at build time via
// ldflags.
func getVersion() string {
	return version
}

var version = "dev"

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	configPath := viper.GetString("config")
	if configPath == "" {
		return fmt.Errorf("no configuration file specified, use --config flag")
	}

	logger.Infof("Loading configuration from: %s", configPath)
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}

	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Port = port
	}

	return runWithConfig(ctx, cfg)
}

// runWithConfig wires the components together and serves until ctx is
// cancelled.
func runWithConfig(ctx context.Context, cfg *config.Config) error {
	cat := catalog.New()
	reg := registry.New(transport.NewDefaultOpener(), cat)
	rt := router.New(cat, reg)
	sessions := session.NewManager(rt, reg, cfg.SessionTTL.Duration())
	reg.SetSessionInvalidator(sessions)

	for i := range cfg.Backends {
		if err := reg.RegisterOrUpdate(ctx, cfg.Backends[i]); err != nil {
			return fmt.Errorf("failed to register backend %s: %w", cfg.Backends[i].Name, err)
		}
	}

	reporter := status.NewReporter(cfg.Name, getVersion(), reg, sessions)
	srv := server.New(&server.Config{
		Name:         cfg.Name,
		Version:      cfg.Version,
		Host:         cfg.Host,
		Port:         cfg.Port,
		EndpointPath: cfg.EndpointPath,
	}, cat, sessions, reporter)

	reg.StartAll(ctx)
	defer reg.Shutdown()

	monitor := health.NewMonitor(reg, cfg.Health)
	go monitor.Run(ctx)
	go sessions.Run(ctx)

	return srv.Start(ctx)
}
