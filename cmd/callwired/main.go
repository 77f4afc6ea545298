// Command callwired is the callwire node: it serves inbound calls,
// places outbound ones, and lists call history.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/stayline/callwire/internal/config"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

var flagDataDir string

var rootCmd = &cobra.Command{
	Use:     "callwired",
	Short:   "Peer-to-peer audio/video calling node",
	Long: `callwired places and answers direct audio/video calls. Signaling runs
over a libp2p gossip mesh by default, or through a websocket relay; media
flows peer to peer over WebRTC.`,
	Version: appVersion,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&flagDataDir, "data-dir", "d", ".", "node data directory (config, identity key, history)")
	rootCmd.AddCommand(serveCmd, dialCmd, historyCmd)

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig ensures the data dir exists and loads (or creates) its
// config file.
func loadConfig() (config.Config, string, error) {
	if err := os.MkdirAll(flagDataDir, 0755); err != nil {
		return config.Config{}, "", fmt.Errorf("create data dir: %w", err)
	}
	cfgPath := filepath.Join(flagDataDir, "config.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return config.Config{}, "", err
	}
	if created {
		fmt.Fprintf(os.Stderr, "Created default config at %s\n", cfgPath)
	}
	return cfg, cfgPath, nil
}
