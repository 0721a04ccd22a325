package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"optrack/internal/ingest"
	"optrack/internal/maintenance"
)

func (a *app) newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Upsert candidate records into a source",
		Long: "Read candidate records as JSONL or a JSON array from --file (or stdin) and upsert them into the source's store.\n" +
			"With --inbox, handle every file waiting in the inbox once and exit.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if inbox, _ := cmd.Flags().GetBool("inbox"); inbox {
				return a.drainInbox(cmd)
			}

			source, _ := cmd.Flags().GetString("source")
			if source == "" {
				return errors.New("--source is required")
			}
			file, _ := cmd.Flags().GetString("file")
			export, _ := cmd.Flags().GetBool("export")

			ext, err := a.cfg.Extractor(source)
			if err != nil {
				return err
			}
			in, err := openInput(cmd, file)
			if err != nil {
				return err
			}
			defer func() { _ = in.Close() }()
			candidates, err := ingest.NewReader(ext, a.logger).Read(in)
			if err != nil {
				return err
			}

			st, err := a.openStore(source)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			res, err := st.BulkUpsert(candidates.Records)
			if err != nil {
				return err
			}
			out := struct {
				Source      string `json:"source"`
				New         int    `json:"new"`
				Updated     int    `json:"updated"`
				Skipped     int    `json:"skipped"`
				Unparseable int    `json:"unparseable"`
				Total       int    `json:"total"`
				Export      string `json:"export,omitempty"`
			}{source, res.New, res.Updated, res.Skipped, candidates.Skipped, st.Meta().Count, ""}
			if export {
				if out.Export, err = st.ExportLegacy(); err != nil {
					return err
				}
			}

			p := newPrinter(outputFormat(cmd), cmd.OutOrStdout())
			if outputFormat(cmd) == "json" {
				return p.json(out)
			}
			p.kv([][2]string{
				{"Source", out.Source},
				{"New", formatInt(out.New)},
				{"Updated", formatInt(out.Updated)},
				{"Skipped", formatInt(out.Skipped)},
				{"Unparseable", formatInt(out.Unparseable)},
				{"Total", formatInt(out.Total)},
				{"Export", orDash(out.Export)},
			})
			return nil
		},
	}
	cmd.Flags().String("source", "", "source name")
	cmd.Flags().StringP("file", "f", "", "input file (default: stdin)")
	cmd.Flags().Bool("export", false, "write the legacy snapshot after ingesting")
	cmd.Flags().Bool("inbox", false, "handle every file waiting in the inbox")
	return cmd
}

func (a *app) drainInbox(cmd *cobra.Command) error {
	svc, err := a.newService(a.cfg.Compaction.Archive)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	tr, err := a.newTracker()
	if err != nil {
		return err
	}
	extractors, err := a.cfg.Extractors()
	if err != nil {
		return err
	}
	w, err := ingest.NewWatcher(ingest.WatcherConfig{
		Inbox: a.paths.Inbox,
		Handler: &maintenance.InboxHandler{
			Service:    svc,
			Reconciler: a.newReconciler(tr, svc.Stored, true, a.cfg.LiveOnlyMissing),
		},
		Extractors: extractors,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}

	res, err := w.Drain(cmd.Context())
	if err != nil {
		return err
	}
	p := newPrinter(outputFormat(cmd), cmd.OutOrStdout())
	if outputFormat(cmd) == "json" {
		if err := p.json(res); err != nil {
			return err
		}
	} else {
		p.kv([][2]string{
			{"Processed", formatInt(res.Processed)},
			{"Failed", formatInt(res.Failed)},
		})
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d inbox files failed, see %s", res.Failed, ingest.FailedDir)
	}
	return nil
}

func (a *app) newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Print the current version of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, _ := cmd.Flags().GetString("source")
			if source == "" {
				return errors.New("--source is required")
			}
			st, err := a.openStore(source)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			rec, err := st.Get(args[0])
			if err != nil {
				return err
			}
			return newPrinter("json", cmd.OutOrStdout()).json(rec)
		},
	}
	cmd.Flags().String("source", "", "source name")
	return cmd
}

func (a *app) newHasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "has <id>",
		Short: "Report whether a record is stored",
		Long:  "Print yes or no. The exit status is 1 when the record is absent.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, _ := cmd.Flags().GetString("source")
			if source == "" {
				return errors.New("--source is required")
			}
			st, err := a.openStore(source)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			present := st.Has(args[0])
			p := newPrinter(outputFormat(cmd), cmd.OutOrStdout())
			if outputFormat(cmd) == "json" {
				if err := p.json(map[string]any{"id": args[0], "present": present}); err != nil {
					return err
				}
			} else if present {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "yes")
			} else {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no")
			}
			if !present {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}
	cmd.Flags().String("source", "", "source name")
	return cmd
}
