package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	statusCmd.Flags().Bool("offline", false, "only print local configuration")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and live connection status",
	Long:  "Display the current configuration and local sync cursor, then connect once and report the link state.",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, cfg, err := openSession()
		if err != nil {
			return err
		}
		defer sess.Close()

		fmt.Println("Configuration:")
		fmt.Printf("  Server:      %s\n", cfg.Server.URL)
		fmt.Printf("  Codec:       %s\n", valueOrDefault(cfg.Server.Codec, "json"))
		if cfg.Server.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Server.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Batch mode:  %s\n", valueOrDefault(cfg.Client.BatchMode, "immediate"))

		fmt.Println()
		fmt.Println("Sync:")
		if last := sess.client.LastSync(); last.IsZero() {
			fmt.Println("  Last sync:   never")
		} else {
			fmt.Printf("  Last sync:   %s\n", last.Format(time.RFC3339))
		}

		if offline, _ := cmd.Flags().GetBool("offline"); offline {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := sess.client.Connect(ctx); err != nil {
			fmt.Printf("  Error connecting: %v\n", err)
			return nil
		}
		status := sess.client.Status()
		fmt.Printf("  State:       %s\n", status.State)
		fmt.Printf("  Connected:   %s\n", status.ConnectedAt.Format(time.RFC3339))
		return sess.client.Disconnect()
	},
}
