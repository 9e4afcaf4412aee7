// Package app provides the entry point commands for the Only1MCP CLI.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/doublegate/Only1MCP-sub001/pkg/logger"
	vmcpconfig "github.com/doublegate/Only1MCP-sub001/pkg/vmcp/config"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/server"
)

var version = "dev" // overridden at build time via -ldflags

var rootCmd = &cobra.Command{
	Use:               "only1mcp",
	DisableAutoGenTag: true,
	Short:             "Only1MCP aggregates multiple MCP servers behind a single endpoint",
	Long: `Only1MCP is a proxy that aggregates multiple Model Context Protocol (MCP)
servers into one unified endpoint. It provides:

- Tool, resource, and prompt aggregation across backends
- Health-aware, hot-swappable backend routing
- Graceful connection draining across backend changes`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd builds the only1mcp root command and its subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the Only1MCP configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start Only1MCP",
		Long: `Start Only1MCP: load and validate the configuration file, connect to every
configured backend, and begin serving aggregated MCP requests.`,
		RunE: runServe,
	}
	cmd.Flags().String("listen", "", "Override ingress.listenAddr from the config file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("only1mcp version: %s", version)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long:  "Load the configuration file and run it through config.Validator, reporting the first error found.",
		RunE: func(_ *cobra.Command, _ []string) error {
			path := viper.GetString("config")
			if path == "" {
				return fmt.Errorf("no configuration file specified, use --config")
			}

			cfg, err := loadAndValidateConfig(path)
			if err != nil {
				return err
			}

			logger.Infof("configuration is valid")
			logger.Infof("  name: %s", cfg.Name)
			logger.Infof("  group: %s", cfg.Group)
			logger.Infof("  backends: %d", len(cfg.Backends))
			logger.Infof("  router policy: %s", cfg.Router.Policy)
			return nil
		},
	}
}

// loadAndValidateConfig loads path via config.NewYAMLLoader and runs it
// through config.NewValidator. Any failure here is a fatal startup error
// (spec §6 "exit code 1: config invalid").
func loadAndValidateConfig(path string) (*vmcpconfig.Config, error) {
	loader := vmcpconfig.NewYAMLLoader(path, vmcpconfig.OSReader{})
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := vmcpconfig.NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	path := viper.GetString("config")
	if path == "" {
		return fmt.Errorf("no configuration file specified, use --config")
	}

	cfg, err := loadAndValidateConfig(path)
	if err != nil {
		return err
	}

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Ingress.ListenAddr = listen
	}

	srv, err := server.New(ctx, server.Config{
		Name:     cfg.Name,
		Version:  version,
		Group:    cfg.Group,
		Backends: cfg.Backends,
		Router:   cfg.Router,
		Registry: cfg.Registry,
		Ingress:  cfg.Ingress,
	})
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	logger.Infof("starting only1mcp at %s", srv.Address())
	return srv.Start(ctx)
}
