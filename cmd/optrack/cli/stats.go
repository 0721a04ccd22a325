package cli

import (
	"github.com/spf13/cobra"

	"optrack/internal/stats"
)

func (a *app) newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Report per-source storage and tracking state",
		Long: "Report record counts, seen and pending ids, storage sizes and the latest pull for each source.\n" +
			"Reads files directly and takes no locks, so it is safe to run next to the daemon.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, _ := cmd.Flags().GetStringSlice("source")
			textfile, _ := cmd.Flags().GetString("prom-textfile")

			tr, err := a.newTracker()
			if err != nil {
				return err
			}
			c := stats.NewCollector(stats.Config{
				DataDir: a.paths.Data,
				RunsDir: a.paths.Runs,
				Seen:    tr,
				Logger:  a.logger,
			})
			r, err := c.Collect(cmd.Context(), sources...)
			if err != nil {
				return err
			}

			if textfile != "" {
				if err := stats.WriteTextfile(textfile, r); err != nil {
					return err
				}
				a.logger.Info("wrote prometheus textfile", "path", textfile)
			}

			w := cmd.OutOrStdout()
			switch outputFormat(cmd) {
			case "json":
				return stats.WriteJSON(w, r)
			case "csv":
				return stats.WriteCSV(w, r)
			}
			return stats.WriteText(w, r)
		},
	}
	cmd.Flags().StringSlice("source", nil, "sources to report (default: all)")
	cmd.Flags().String("prom-textfile", "", "also write the report as a Prometheus textfile")
	return cmd
}
