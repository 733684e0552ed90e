/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/acronis/go-ratekeeper/rules"
)

const defaultConfigPath = "config.yml"

func newRootCmd() *cobra.Command {
	var cfgPath string

	serve := func(*cobra.Command, []string) error {
		return runApp(cfgPath)
	}

	rootCmd := &cobra.Command{
		Use:   "ratekeeper",
		Short: "Rate-limiting HTTP gateway",
		Long: `ratekeeper authenticates API clients by bearer tokens, limits the rate of their requests
per endpoint (fixed window or sliding window log) and proxies admitted requests to the upstream service.

Running without a subcommand is the same as "ratekeeper serve".`,
		SilenceUsage: true,
		RunE:         serve,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath,
		"path to the configuration file (.yml, .yaml or .json)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the gateway",
			Args:  cobra.NoArgs,
			RunE:  serve,
		},
		&cobra.Command{
			Use:   "check-config",
			Short: "Validate the configuration file and print the summary of rate-limiting rules",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return checkConfig(cmd, cfgPath)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version())
			},
		},
	)
	return rootCmd
}

func checkConfig(cmd *cobra.Command, cfgPath string) error {
	cfg, err := loadAppConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if _, err = rules.NewResolver(cfg.RateLimit); err != nil {
		return fmt.Errorf("create rate limit rules resolver: %w", err)
	}

	out := cmd.OutOrStdout()
	tokens := 0
	for _, client := range cfg.RateLimit.Clients {
		tokens += len(client.Tokens)
	}
	_, _ = fmt.Fprintf(out, "configuration %s is valid\n", cfgPath)
	_, _ = fmt.Fprintf(out, "upstream: %s\n", cfg.Server.Proxy.UpstreamURL)
	_, _ = fmt.Fprintf(out, "storage backend: %s\n", cfg.Storage.Backend)
	_, _ = fmt.Fprintf(out, "default algorithm: %s\n", cfg.RateLimit.DefaultAlg)
	_, _ = fmt.Fprintf(out, "endpoints: %d, excluded routes: %d\n", len(cfg.RateLimit.Endpoints), len(cfg.RateLimit.ExcludedRoutes))
	_, _ = fmt.Fprintf(out, "clients: %d (tokens: %d), default limits: %d\n",
		len(cfg.RateLimit.Clients), tokens, len(cfg.RateLimit.DefaultLimits))
	return nil
}

func version() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "(devel)"
}
