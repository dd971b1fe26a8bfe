package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shadowmesh/kaddht/pkg/config"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "kad-node",
		Short: "Kademlia DHT node",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/kad-node/kad-node.yaml", "path to configuration file")

	root.AddCommand(newStartCmd(&configPath))
	root.AddCommand(newGenerateConfigCmd())
	root.AddCommand(newBootstrapCmd(&configPath))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newGenerateConfigCmd() *cobra.Command {
	var region, out string
	cmd := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.GenerateDefaultConfig(region)
			if err := config.WriteConfigFile(cfg, out); err != nil {
				return fmt.Errorf("generate config: %w", err)
			}
			fmt.Printf("Generated default config: %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&region, "region", "unknown", "operator-facing region label")
	cmd.Flags().StringVar(&out, "out", "kad-node.yaml", "output path")
	return cmd
}

func newStartCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the node and serve until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(*configPath)
		},
	}
}

func newBootstrapCmd(configPath *string) *cobra.Command {
	var peerIDHex, addr string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Append a bootstrap peer to the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg.Bootstrap.Peers = append(cfg.Bootstrap.Peers, config.BootstrapPeer{
				PeerID:  peerIDHex,
				Address: addr,
			})
			if err := config.WriteConfigFile(cfg, *configPath); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("Added bootstrap peer %s at %s to %s\n", peerIDHex, addr, *configPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&peerIDHex, "peer-id", "", "hex-encoded PeerID of the bootstrap peer")
	cmd.Flags().StringVar(&addr, "address", "", "UDP address of the bootstrap peer")
	cmd.MarkFlagRequired("peer-id")
	cmd.MarkFlagRequired("address")
	return cmd
}
