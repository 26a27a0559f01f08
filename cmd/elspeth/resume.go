package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tachyon-beep/elspeth/internal/landscape"
)

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a failed run from its latest checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			rt, err := openRuntime(flagConfig, log)
			if err != nil {
				return err
			}
			defer rt.close()

			res, runErr := rt.orchestrator().Resume(context.Background(), args[0])
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
