package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tachyon-beep/elspeth/internal/landscape"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Execute the pipeline described by --config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			rt, err := openRuntime(flagConfig, log)
			if err != nil {
				return err
			}
			defer rt.close()

			res, runErr := rt.orchestrator().Run(context.Background())
			if res != nil {
				printResult(res.RunID, string(res.Status), res.RowsRead, res.RowsQuarantined, len(res.Failures))
			}
			if runErr != nil {
				return runErr
			}
			if res.Status != landscape.RunCompleted {
				return fmt.Errorf("run %s finished with status %s", res.RunID, res.Status)
			}
			return nil
		},
	}
}

func printResult(runID, status string, rows, quarantined, failures int) {
	fmt.Printf("run_id=%s\n", runID)
	fmt.Printf("status=%s\n", status)
	fmt.Printf("rows_read=%d\n", rows)
	fmt.Printf("rows_quarantined=%d\n", quarantined)
	fmt.Printf("row_failures=%d\n", failures)
}
