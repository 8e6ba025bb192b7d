package main

import (
	"github.com/spf13/cobra"

	"github.com/danmuck/resumectl/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "resumectl",
	Short: "Resumable stream endpoints for unreliable networks",
	Long: `resumectl runs the two ends of a resumable byte stream: a server
front that accepts connections and bridges each logical stream to an
upstream address, and a client bridge that carries local connections
over streams that survive transport loss.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.ConfigureRuntime()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(connectCmd)
}
