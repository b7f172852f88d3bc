package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rolled-bit/go-rollup/config"
	"github.com/rolled-bit/go-rollup/log"
	"github.com/rolled-bit/go-rollup/node"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	flagConfig = "config"
)

var logger = log.NewLogger("rollupd")

// nodeFlags are the settings most often overridden on the command line. Their
// names are config keys so viper binds them directly.
func nodeFlags(fs *pflag.FlagSet) {
	fs.String(config.KeyRPCURL, "", "bitcoind JSON-RPC url")
	fs.String(config.KeyNetwork, "", "base chain network (mainnet, testnet, signet, regtest)")
	fs.String(config.KeyDepositAddress, "", "rollup deposit address")
	fs.Bool(config.KeySequencerEnabled, false, "run the sequencer")
	fs.String(config.KeySequencerAddress, "", "sequencer fee address")
	fs.String(config.KeySequencerURL, "", "API url of the sequencing node to forward transactions to")
	fs.Int(config.KeyRPCPort, 0, "API port")
	fs.String(config.KeyStorageEngine, "", "storage engine (badger, leveldb, memory)")
	fs.String(config.KeyLogLevel, "", "log level")
}

func bindChanged(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == flagConfig || !f.Changed || err != nil {
			return
		}
		err = v.BindPFlag(f.Name, f)
	})
	return err
}

func startCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Sync the rollup from the base chain and serve the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			if err := bindChanged(v, cmd.Flags()); err != nil {
				return err
			}
			path, err := cmd.Flags().GetString(flagConfig)
			if err != nil {
				return err
			}
			cfg, err := config.Load(v, path)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := node.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer n.Close()
			logger.Info().
				Str("network", cfg.Basechain.Network).
				Bool("sequencer", cfg.Sequencer.Enabled).
				Str("storage", cfg.Storage.Engine).
				Msg("Starting node")
			return n.Run(ctx)
		},
	}
	nodeFlags(cmd.Flags())
	return cmd
}

func configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the node configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with every default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "./rollup.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			logger.Info().Str("path", path).Msg("Wrote default config")
			return nil
		},
	})
	return cmd
}

func main() {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "rollupd",
		Short:         "bitcoin-anchored rollup node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		startCommand(),
		configCommand(),
	)
	rootCmd.PersistentFlags().String(flagConfig, "", "config file path (yaml)")

	if err := rootCmd.Execute(); err != nil {
		logger.Fatal().Err(err).Send()
	}
}
