package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/witnz/quorum/internal/config"
	"github.com/witnz/quorum/internal/replog"
	"github.com/witnz/quorum/internal/signing"
	"github.com/witnz/quorum/internal/storage"
	"github.com/witnz/quorum/internal/types"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "quorum",
	Short: "Quorum - Byzantine fault tolerant container orchestration",
	Long:  `A replicated state machine that agrees on container operations through PBFT before applying them`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "quorum.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(simulateCmd)
}

func newLogger() *slog.Logger {
	level := pterm.LogLevelWarn
	switch logLevel {
	case "debug":
		level = pterm.LogLevelDebug
	case "info":
		level = pterm.LogLevelInfo
	case "error":
		level = pterm.LogLevelError
	}
	return slog.New(pterm.NewSlogHandler(pterm.DefaultLogger.WithLevel(level)))
}

// openState opens the registry and the log of a stopped node.
func openState(cfg *config.Config, logger *slog.Logger) (*storage.Storage, *replog.Log, error) {
	store, err := storage.New(cfg.StatePath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage: %w", err)
	}
	logStore, err := replog.OpenStore(replog.Backend(cfg.Log.Backend), cfg.LogPath())
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	l, err := replog.Open(replog.Options{Store: logStore, Logger: logger})
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to open log: %w", err)
	}
	return store, l, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("quorum v0.1.0-alpha")
		fmt.Println("Byzantine Fault Tolerant Container Orchestration")
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize quorum node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		store, l, err := openState(cfg, newLogger())
		if err != nil {
			return err
		}
		defer store.Close()
		defer l.Close()

		f := types.MaxFaulty(len(cfg.Cluster.Members))
		fmt.Printf("Initialized quorum node: %s (%s)\n", cfg.Node.ID, cfg.NodeID().Short())
		fmt.Printf("Data directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("Log path: %s (backend: %s)\n", cfg.LogPath(), cfg.Log.Backend)
		fmt.Printf("State path: %s\n", cfg.StatePath())
		fmt.Printf("Cluster: %d members, tolerates %d faulty\n", len(cfg.Cluster.Members), f)
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen <member>...",
	Short: "Generate signing keys for cluster members",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data := pterm.TableData{{"Member", "Node ID", "Public Key", "Key Seed"}}
		for _, name := range args {
			seed, err := signing.GenerateSeed()
			if err != nil {
				return err
			}
			id := types.NodeIDFromName(name)
			signer, err := signing.NewSigner(id, seed)
			if err != nil {
				return err
			}
			pub, err := signing.EncodePublicKey(signer.Public())
			if err != nil {
				return err
			}
			data = append(data, []string{name, id.Short(), pub, hex.EncodeToString(seed)})
		}

		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
		pterm.Warning.Println("Key seeds are secret: give each member only its own node.key_seed.")
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
