package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEvidenceCmd(opts *rootOptions) *cobra.Command {
	var (
		runID      string
		operatorID string
		out        string
	)
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Write the evidence pack of a finished run",
		Long: `Build the evidence pack of a terminal run from the ledger and write it as
JSON. The export is recorded in the ledger under --operator.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			w, closeOut, err := openOutput(cmd, out)
			if err != nil {
				return err
			}
			defer closeOut()

			pack, err := a.orchestrator.ExportEvidence(cmd.Context(), runID, operatorID, w)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "evidence pack %s (%d entries)\n", pack.PackHash, len(pack.AuditLog))
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.Flags().StringVar(&operatorID, "operator", "", "operator requesting the export")
	cmd.Flags().StringVar(&out, "out", "-", "output file, - for stdout")
	_ = cmd.MarkFlagRequired("run")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}
