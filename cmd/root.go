package cmd

import (
	"github.com/spf13/cobra"

	"github.com/arcadecast/arcadecast/config"
	"github.com/arcadecast/arcadecast/internal/util"
)

var (
	configFile string

	rootCmd = &cobra.Command{
		Use:   "arcadecast",
		Short: "Arcade machine streaming server",
		Long:  `arcadecast runs emulated machines and streams them to browsers over WebSocket, relaying gamepad and keyboard input back.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := config.Load(configFile); err != nil {
					return err
				}
			}
			util.InitLogger(config.Verbose())
			util.SetupGlobalLogger()
			if used := config.ConfigFileUsed(); used != "" {
				util.GetLogger().Debug("Using config file", "path", used)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default searches ./config.yaml, $XDG_CONFIG_HOME/arcadecast, /etc/arcadecast)")
	flags.Bool("verbose", false, "Enable debug logging")
	config.BindFlag("log.verbose", flags.Lookup("verbose"))

	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewVersionCommand())
}
