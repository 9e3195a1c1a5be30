package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Shugur-Network/relaypool/internal/application"
	"github.com/Shugur-Network/relaypool/internal/config"
	"github.com/Shugur-Network/relaypool/internal/logger"
	"github.com/Shugur-Network/relaypool/internal/metrics"
	"github.com/Shugur-Network/relaypool/internal/pool"
	"github.com/Shugur-Network/relaypool/internal/relay"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd defines the main CLI command for relaypool
var rootCmd = &cobra.Command{
	Use:   "relaypool",
	Short: "relaypool keeps a pool of Nostr relay connections and a local event cache",
	Long: `relaypool connects to a set of Nostr relays, shares subscriptions between
callers, caches received events in a local store and publishes signed events.`,
	Example: `
  relaypool start --relay wss://nos.lol --kind 1
  relaypool query --kind 0 --author <pubkey> --db-only
  relaypool publish "hello nostr" --wait
  relaypool keygen --out ./data/identity.key`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for commands that do not need it
		if cmd.Name() == "version" || cmd.Name() == "keygen" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		// Override config with command line flags if specified
		flags := cmd.Flags()
		if flags.Changed("relay") {
			cfg.Pool.Relays, _ = flags.GetStringSlice("relay")
		}
		if flags.Changed("store-url") {
			cfg.Store.URL, _ = flags.GetString("store-url")
		}
		if flags.Changed("no-store") {
			noStore, _ := flags.GetBool("no-store")
			cfg.Store.Enabled = !noStore
		}
		if flags.Changed("key-file") {
			cfg.Identity.KeyFile, _ = flags.GetString("key-file")
		}
		if flags.Changed("metrics-port") {
			cfg.Metrics.Port, _ = flags.GetInt("metrics-port")
			cfg.Metrics.Enabled = true
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if flags.Changed("log-level") {
			lvl, _ := flags.GetString("log-level")
			if err := logger.UpdateLevel(lvl); err != nil {
				return err
			}
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// startNode builds a node from the loaded config and connects its relays.
func startNode(ctx context.Context) (*application.Node, error) {
	metrics.RegisterMetrics()
	node, err := application.New(ctx, cfg, application.Hooks{
		OnAuthRequired: func(n pool.AuthNotice) {
			logger.Warn("Relay asks for authentication",
				zap.String("relay", n.Relay),
				zap.String("challenge", n.Challenge),
				zap.String("reason", n.Reason))
		},
		OnRelayState: func(url string, s relay.State) {
			logger.Debug("Relay state changed", zap.String("relay", url), zap.String("state", s.String()))
		},
	})
	if err != nil {
		return nil, err
	}
	if err := node.Start(ctx); err != nil {
		node.Shutdown()
		return nil, err
	}
	return node, nil
}

func init() {
	// Add persistent flags (inherited by all subcommands)
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")
	pf.StringSlice("relay", nil, "Relay URL to connect to (repeatable, replaces configured relays)")
	pf.String("store-url", "", "PostgreSQL URL for the event store (memory when empty)")
	pf.Bool("no-store", false, "Disable the local event store")
	pf.String("key-file", "", "Path to the signing key file")
	pf.String("log-level", "info", "Logging level (debug, info, warn, error, fatal)")
	pf.Int("metrics-port", 0, "Serve /metrics and /health on this port")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of relaypool",
		Long:  "Print the version number of relaypool along with build information",
		Run: func(cmd *cobra.Command, args []string) {
			if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
				fmt.Println(GetFullVersionInfo())
			} else {
				fmt.Println(GetVersionWithPrefix())
			}
		},
	}
	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")

	rootCmd.AddCommand(versionCmd, newStartCmd(), newQueryCmd(), newPublishCmd(), newKeygenCmd())
}
