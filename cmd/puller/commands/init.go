package commands

import (
	"github.com/spf13/cobra"

	"github.com/tendermint/blockpuller/config"
	"github.com/tendermint/blockpuller/libs/log"
)

// MakeInitCommand returns the command that writes a config file to the home
// directory. An existing file is left untouched.
func MakeInitCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the home directory with a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.EnsureRoot(conf.RootDir); err != nil {
				return err
			}
			if err := config.WriteDefaultConfigFileIfNone(conf.RootDir); err != nil {
				return err
			}
			logger.Info("initialized home directory", "home", conf.RootDir, "config", config.ConfigFile(conf.RootDir))
			return nil
		},
	}
}
