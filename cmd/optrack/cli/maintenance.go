package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"optrack/internal/maintenance"
	"optrack/internal/store"
)

func (a *app) newCompactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Drop superseded record versions from the log",
		Long: "Rewrite the record log of a source (or of every source) to hold only the current version of each record.\n" +
			"With --if-needed, only logs exceeding the configured compaction thresholds are rewritten.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			archive := a.cfg.Compaction.Archive
			if cmd.Flags().Changed("archive") {
				archive, _ = cmd.Flags().GetBool("archive")
			}
			ifNeeded, _ := cmd.Flags().GetBool("if-needed")

			svc, err := a.newService(archive)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			sources, err := a.sourcesFromFlags(cmd, svc.Sources)
			if err != nil {
				return err
			}

			type row struct {
				Source string              `json:"source"`
				Result store.CompactResult `json:"result"`
			}
			var results []row
			var errs []error
			for _, source := range sources {
				var res store.CompactResult
				compacted := true
				if ifNeeded {
					res, compacted, err = svc.CompactIfNeeded(cmd.Context(), source)
				} else {
					res, err = svc.Compact(cmd.Context(), source)
				}
				if err != nil {
					errs = append(errs, &maintenance.SourceError{Source: source, Err: err})
					continue
				}
				if compacted {
					results = append(results, row{source, res})
				}
			}

			p := newPrinter(outputFormat(cmd), cmd.OutOrStdout())
			if outputFormat(cmd) == "json" {
				if err := p.json(results); err != nil {
					return err
				}
				return errors.Join(errs...)
			}
			var rows [][]string
			for _, r := range results {
				rows = append(rows, []string{
					r.Source,
					formatInt64(r.Result.LinesBefore),
					formatInt64(r.Result.LinesAfter),
					formatInt64(r.Result.Dropped),
					formatInt64(r.Result.Corrupt),
					formatInt(len(r.Result.Recovered)),
					formatInt(len(r.Result.Lost)),
					formatInt64(r.Result.BytesBefore),
					formatInt64(r.Result.BytesAfter),
					archiveName(r.Result.Archive),
				})
			}
			if err := p.rows([]string{"SOURCE", "LINES BEFORE", "LINES AFTER", "DROPPED", "CORRUPT", "RECOVERED", "LOST", "BYTES BEFORE", "BYTES AFTER", "ARCHIVE"}, rows); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().String("source", "", "source name")
	cmd.Flags().Bool("all", false, "compact every source")
	cmd.Flags().Bool("archive", false, "keep a zstd copy of the log before compacting (default from config)")
	cmd.Flags().Bool("if-needed", false, "only compact logs exceeding the configured thresholds")
	return cmd
}

func (a *app) newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write legacy aggregate snapshots",
		Long:  "Write {source}_grants.json holding every current record, for consumers of the older single-file format.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.newService(a.cfg.Compaction.Archive)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			sources, err := a.sourcesFromFlags(cmd, svc.Sources)
			if err != nil {
				return err
			}

			var rows [][]string
			var errs []error
			for _, source := range sources {
				st, err := svc.Store(source)
				if err == nil {
					var path string
					if path, err = st.ExportLegacy(); err == nil {
						rows = append(rows, []string{source, formatInt(st.Meta().Count), path})
						continue
					}
				}
				errs = append(errs, &maintenance.SourceError{Source: source, Err: err})
			}

			p := newPrinter(outputFormat(cmd), cmd.OutOrStdout())
			if outputFormat(cmd) == "json" {
				out := make([]map[string]string, 0, len(rows))
				for _, r := range rows {
					out = append(out, map[string]string{"source": r[0], "count": r[1], "path": r[2]})
				}
				if err := p.json(out); err != nil {
					return err
				}
				return errors.Join(errs...)
			}
			if err := p.rows([]string{"SOURCE", "RECORDS", "PATH"}, rows); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().String("source", "", "source name")
	cmd.Flags().Bool("all", false, "export every source")
	return cmd
}

func (a *app) newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect compaction archives",
	}
	cmd.AddCommand(a.newArchiveListCmd(), a.newArchiveCatCmd())
	return cmd
}

func (a *app) newArchiveListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the compaction archives of a source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			source, _ := cmd.Flags().GetString("source")
			if source == "" {
				return errors.New("--source is required")
			}
			paths, err := store.ListArchives(a.paths.Data, source)
			if err != nil {
				return err
			}

			p := newPrinter(outputFormat(cmd), cmd.OutOrStdout())
			if outputFormat(cmd) == "json" {
				return p.json(paths)
			}
			var rows [][]string
			for _, path := range paths {
				var size int64
				if info, err := os.Stat(path); err == nil {
					size = info.Size()
				}
				rows = append(rows, []string{filepath.Base(path), formatInt64(size)})
			}
			return p.rows([]string{"ARCHIVE", "BYTES"}, rows)
		},
	}
	cmd.Flags().String("source", "", "source name")
	return cmd
}

func (a *app) newArchiveCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <archive>",
		Short: "Print the log lines held in an archive",
		Long:  "Decompress an archive and print its record log lines. A bare file name is looked up in the data dir.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if !strings.ContainsRune(path, filepath.Separator) {
				path = filepath.Join(a.paths.Data, path)
			}
			ar, err := store.OpenArchive(path)
			if err != nil {
				return err
			}
			defer func() { _ = ar.Close() }()

			w := cmd.OutOrStdout()
			_, err = ar.Scan(func(_, _ int64, line []byte) error {
				_, err := fmt.Fprintf(w, "%s\n", line)
				return err
			})
			return err
		},
	}
}

func archiveName(path string) string {
	if path == "" {
		return "-"
	}
	return filepath.Base(path)
}
