package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/graphsync"
)

func init() {
	initCmd.Flags().String("token", "", "bearer token sent on connect")
	initCmd.Flags().String("codec", "json", "wire codec (json or msgpack)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <url>",
	Short: "Store the server URL in ~/.graphsync/config.toml",
	Long:  "Initialize the CLI by storing the graph server URL and credentials in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Server.URL = args[0]
		if token, _ := cmd.Flags().GetString("token"); token != "" {
			cfg.Server.Token = token
		}
		codec, _ := cmd.Flags().GetString("codec")
		if _, err := graphsync.CodecByName(codec); err != nil {
			return err
		}
		cfg.Server.Codec = codec
		if cfg.Client.LogLevel == "" {
			cfg.Client.LogLevel = "info"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Server URL saved to %s\n", path)
		return nil
	},
}
