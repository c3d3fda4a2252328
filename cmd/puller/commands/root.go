package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tendermint/blockpuller/config"
	"github.com/tendermint/blockpuller/libs/cli"
	"github.com/tendermint/blockpuller/libs/log"
)

// EnvPrefix is the prefix of environment variables overriding config values.
const EnvPrefix = "PULLER"

// ParseConfig retrieves the default environment configuration,
// sets up the root and ensures that the root exists
func ParseConfig(conf *config.Config) (*config.Config, error) {
	if err := viper.Unmarshal(conf); err != nil {
		return nil, err
	}

	conf.SetRoot(conf.RootDir)

	if err := conf.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("error in config file: %w", err)
	}
	return conf, nil
}

// RootCommand constructs the root command-line entry point for the puller.
func RootCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "puller",
		Short: "Block download scheduler for a peer-to-peer full node",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == VersionCmd.Name() {
				return nil
			}

			if err := cli.BindFlagsLoadViper(cmd, args); err != nil {
				return err
			}
			if err := viper.BindPFlag("log_level", cmd.Flags().Lookup(cli.LogLevelFlag)); err != nil {
				return err
			}

			pconf, err := ParseConfig(conf)
			if err != nil {
				return err
			}
			*conf = *pconf
			if err := config.EnsureRoot(conf.RootDir); err != nil {
				return err
			}
			return log.OverrideWithNewLogger(logger, conf.LogFormat, conf.LogLevel)
		},
	}
	cmd.PersistentFlags().String(cli.HomeFlag, os.ExpandEnv(filepath.Join("$HOME", config.DefaultPullerDir)), "directory for config and data")
	cmd.PersistentFlags().Bool(cli.TraceFlag, false, "print out full stack trace on errors")
	cmd.PersistentFlags().String(cli.LogLevelFlag, conf.LogLevel, "log level")
	cobra.OnInitialize(func() { cli.InitEnv(EnvPrefix) })
	return cmd
}
