package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"optrack/internal/ingest"
	"optrack/internal/maintenance"
	"optrack/internal/scheduler"
)

func (a *app) newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the daemon: inbox ingestion and scheduled maintenance",
		Long: "Watch the inbox for candidate (.jsonl, .json) and listing (.ids) files per source directory, " +
			"and run compaction and export on the configured schedules. Stores stay open, and locked, until the daemon exits.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.home.EnsureExists(); err != nil {
				return err
			}

			svc, err := a.newService(a.cfg.Compaction.Archive)
			if err != nil {
				return err
			}
			defer func() {
				if err := svc.Close(); err != nil {
					a.logger.Error("close stores", "error", err)
				}
			}()

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
				Extractors:   extractors,
				Settle:       a.cfg.Watch.Settle,
				PollInterval: a.cfg.Watch.PollInterval,
				Logger:       a.logger,
			})
			if err != nil {
				return err
			}

			sch, err := scheduler.New(a.logger)
			if err != nil {
				return err
			}
			if err := svc.Schedule(sch, maintenance.Schedules{
				Compact: a.cfg.Compaction.Schedule,
				Export:  a.cfg.Export.Schedule,
			}); err != nil {
				return err
			}
			sch.Start()

			a.logger.Info("daemon started", "home", a.home.Root(), "data_dir", a.paths.Data, "inbox", a.paths.Inbox)
			runErr := w.Run(ctx)
			a.logger.Info("daemon stopping")
			return errors.Join(runErr, sch.Stop())
		},
	}
}
