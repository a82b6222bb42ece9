package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sbenjam1n/studysync/internal/report"
)

func newReportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Export every study as Markdown",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("out")

			ctx := context.Background()
			st, err := a.openStorage(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			files, err := report.NewExporter(st, dir, a.logger).ExportAll(ctx)
			if err != nil {
				return fmt.Errorf("export report: %w", err)
			}
			for _, f := range files {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return nil
		},
	}
	cmd.Flags().String("out", "docs/studies", "Output directory")
	return cmd
}
