package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"optrack/internal/idset"
	"optrack/internal/ingest"
	"optrack/internal/store"
)

func (a *app) newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Reconcile a listing scan against seen and stored ids",
		Long: "Read the identifiers currently listed by a source (one per line, or JSON objects with \"id\" and \"title\") " +
			"and classify them as new, missing details or archived. A run report is written under the runs directory.\n" +
			"With --commit, the listed ids are added to the seen-set afterwards.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			source, _ := cmd.Flags().GetString("source")
			if source == "" {
				return errors.New("--source is required")
			}
			file, _ := cmd.Flags().GetString("file")
			commit, _ := cmd.Flags().GetBool("commit")
			toFetch, _ := cmd.Flags().GetBool("to-fetch")
			liveOnly := a.cfg.LiveOnlyMissing
			if cmd.Flags().Changed("live-only") {
				liveOnly, _ = cmd.Flags().GetBool("live-only")
			}

			in, err := openInput(cmd, file)
			if err != nil {
				return err
			}
			defer func() { _ = in.Close() }()
			obs, skipped, err := ingest.ReadObserved(in)
			if err != nil {
				return err
			}
			if skipped > 0 {
				a.logger.Warn("skipped observed lines", "source", source, "skipped", skipped)
			}

			tr, err := a.newTracker()
			if err != nil {
				return err
			}
			stored := func(_ context.Context, source string) (idset.Set, error) {
				return store.StoredIDs(a.paths.Data, source)
			}
			outcome, err := a.newReconciler(tr, stored, commit, liveOnly).Run(cmd.Context(), source, obs)
			if err != nil {
				return err
			}
			res := outcome.Results[source]

			w := cmd.OutOrStdout()
			if toFetch {
				for _, id := range res.ToFetch().Sorted() {
					_, _ = fmt.Fprintln(w, id)
				}
				return nil
			}

			p := newPrinter(outputFormat(cmd), w)
			if outputFormat(cmd) == "json" {
				return p.json(map[string]any{
					"run_id":      outcome.Report.RunID,
					"report_path": outcome.ReportPath,
					"site":        outcome.Report.Sites[source],
				})
			}
			sum := res.Summary(a.cfg.SampleSize)
			p.kv([][2]string{
				{"Run", outcome.Report.RunID},
				{"Observed", formatInt(obs.IDs.Len())},
				{"New", sampled(sum.New, sum.NewSample)},
				{"Missing details", sampled(sum.MissingDetails, sum.MissingSample)},
				{"Archived", sampled(sum.Archived, sum.ArchivedSample)},
				{"Committed", fmt.Sprint(outcome.Report.Sites[source].Committed)},
				{"Report", orDash(outcome.ReportPath)},
			})
			return nil
		},
	}
	cmd.Flags().String("source", "", "source name")
	cmd.Flags().StringP("file", "f", "", "listing file (default: stdin)")
	cmd.Flags().Bool("commit", false, "add the listed ids to the seen-set")
	cmd.Flags().Bool("live-only", false, "only report missing details for ids still listed (default from config)")
	cmd.Flags().Bool("to-fetch", false, "print only the ids whose details should be fetched, one per line")
	return cmd
}

func sampled(n int, sample []string) string {
	if n == 0 {
		return "0"
	}
	s := fmt.Sprintf("%d (%s", n, strings.Join(sample, ", "))
	if n > len(sample) {
		s += ", ..."
	}
	return s + ")"
}
