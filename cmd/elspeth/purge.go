package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newPurgeCmd() *cobra.Command {
	var purgePayloads bool
	cmd := &cobra.Command{
		Use:   "purge <run-id>",
		Short: "Delete a run's checkpoints (and optionally stored payloads)",
		Long: `Purge removes recovery and retention state. Audit rows are never
deleted: hashes survive as anchors even after their payloads are purged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			rt, err := openRuntime(flagConfig, log)
			if err != nil {
				return err
			}
			defer rt.close()

			n, err := rt.rec.DeleteCheckpoints(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("checkpoints_deleted=%d\n", n)

			if purgePayloads {
				if rt.payloads == nil {
					return fmt.Errorf("no payload_dir configured")
				}
				if err := rt.payloads.PurgeAll(); err != nil {
					return err
				}
				fmt.Println("payloads_purged=true")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&purgePayloads, "payloads", false, "also purge the payload store")
	return cmd
}
