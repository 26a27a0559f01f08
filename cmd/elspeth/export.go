package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tachyon-beep/elspeth/internal/landscape"
	"github.com/tachyon-beep/elspeth/internal/secrets"
)

// exportKeyName resolves to ELSPETH_EXPORT_KEY in the environment backend.
const exportKeyName = "elspeth.export_key"

func newExportCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Write a signed, tamper-evident dump of a run's audit trail",
		Long: `Export emits one HMAC-signed JSON record per source row followed by a
signed manifest that chains every record signature. The signing key is
resolved from the secrets chain (ELSPETH_EXPORT_KEY); there is no unsigned
fallback.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			rt, err := openRuntime(flagConfig, log)
			if err != nil {
				return err
			}
			defer rt.close()

			key, err := secrets.NewLoader(secrets.EnvBackend{}).Get(exportKeyName)
			if err != nil {
				return fmt.Errorf("resolving export signing key: %w", err)
			}
			exp, err := landscape.NewExporter(rt.rd, []byte(key))
			if err != nil {
				return err
			}
			records, manifest, err := exp.ExportRun(context.Background(), args[0])
			if err != nil {
				return err
			}

			var w io.Writer = os.Stdout
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			enc := json.NewEncoder(w)
			for _, rec := range records {
				if err := enc.Encode(rec); err != nil {
					return err
				}
			}
			if err := enc.Encode(manifest); err != nil {
				return err
			}
			log.Info().Int("records", len(records)).Str("run_id", args[0]).Msg("export written")
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "output file (default stdout)")
	return cmd
}
