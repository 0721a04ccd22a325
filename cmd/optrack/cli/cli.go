// Package cli implements the optrack command tree.
//
// Every command resolves the home directory and config file in the root's
// PersistentPreRunE, builds one logger, and then works directly on the data
// dir. Commands that write take the per-source store lock and fail with
// store.ErrSourceLocked while a daemon holds it.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"optrack/internal/config"
	"optrack/internal/home"
	"optrack/internal/logging"
	"optrack/internal/maintenance"
	"optrack/internal/reconcile"
	"optrack/internal/seen"
	"optrack/internal/store"
)

// ExitError ends the process with Code and no message.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// app is the state shared by every command once flags are parsed.
type app struct {
	version string
	home    home.Dir
	cfg     *config.Config
	paths   config.Paths
	logger  *slog.Logger
}

// NewRootCommand returns the optrack command with all subcommands wired in.
func NewRootCommand(version string) *cobra.Command {
	a := &app{version: version, logger: logging.Discard()}

	cmd := &cobra.Command{
		Use:           "optrack",
		Short:         "Track grant opportunity listings across portals",
		Long:          "Detect new funding opportunities per source, store their detail records in an append-only log, and report on what is pending.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	cmd.PersistentFlags().String("home", "", "home directory (default: $"+home.EnvVar+" or platform config dir)")
	cmd.PersistentFlags().String("config", "", "config file (default: <home>/"+home.ConfigFile+")")
	cmd.PersistentFlags().String("log-level", "info", "log level, optionally per component (e.g. warn,store=debug)")
	cmd.PersistentFlags().String("log-format", "text", "log format: text or json")
	cmd.PersistentFlags().StringP("output", "o", "table", "output format: table, json or csv")

	cmd.AddCommand(
		a.newIngestCmd(),
		a.newGetCmd(),
		a.newHasCmd(),
		a.newScanCmd(),
		a.newCompactCmd(),
		a.newExportCmd(),
		a.newArchiveCmd(),
		a.newSeenCmd(),
		a.newStatsCmd(),
		a.newWatchCmd(),
		a.newVersionCmd(),
	)
	return cmd
}

func (a *app) setup(cmd *cobra.Command) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	a.logger = logger

	homeFlag, _ := cmd.Flags().GetString("home")
	a.home, err = home.Resolve(homeFlag)
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}

	cfgPath, _ := cmd.Flags().GetString("config")
	if cfgPath == "" {
		cfgPath = a.home.ConfigPath()
	}
	a.cfg, err = config.Load(cfgPath)
	if err != nil {
		return err
	}
	a.paths = a.cfg.Paths(a.home)

	switch f := outputFormat(cmd); f {
	case "table", "json", "csv":
	default:
		return fmt.Errorf("unknown output format %q", f)
	}
	return nil
}

// newLogger builds the process logger. Output goes to the command's error
// stream so stdout stays clean for results.
func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	spec, _ := cmd.Flags().GetString("log-level")
	def, overrides, err := logging.ParseLevelSpec(spec)
	if err != nil {
		return nil, err
	}

	w := cmd.ErrOrStderr()
	opts := &slog.HandlerOptions{Level: slog.LevelDebug} // filtering done by ComponentFilterHandler
	var base slog.Handler
	switch format, _ := cmd.Flags().GetString("log-format"); format {
	case "text":
		base = slog.NewTextHandler(w, opts)
	case "json":
		base = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	h := logging.NewComponentFilterHandler(base, def)
	for component, lvl := range overrides {
		h.SetLevel(component, lvl)
	}
	return slog.New(h), nil
}

func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output")
	return strings.ToLower(f)
}

func (a *app) openStore(source string) (*store.Store, error) {
	return store.Open(store.Config{
		Dir:              a.paths.Data,
		Source:           source,
		IDField:          a.cfg.IDField,
		Logger:           a.logger,
		ArchiveOnCompact: a.cfg.Compaction.Archive,
	})
}

func (a *app) newService(archive bool) (*maintenance.Service, error) {
	policy, err := a.cfg.Policy()
	if err != nil {
		return nil, err
	}
	return maintenance.New(maintenance.Config{
		DataDir:          a.paths.Data,
		IDField:          a.cfg.IDField,
		Policy:           policy,
		ArchiveOnCompact: archive,
		Logger:           a.logger,
	}), nil
}

func (a *app) newTracker() (*seen.Tracker, error) {
	return seen.New(seen.Config{Dir: a.paths.Data, Logger: a.logger})
}

func (a *app) newReconciler(tr *seen.Tracker, stored reconcile.StoredFunc, commit, liveOnly bool) *reconcile.Reconciler {
	return reconcile.New(reconcile.Config{
		Tracker:         tr,
		Stored:          stored,
		RunsDir:         a.paths.Runs,
		LiveOnlyMissing: liveOnly,
		Commit:          commit,
		SampleSize:      a.cfg.SampleSize,
		Logger:          a.logger,
	})
}

// openInput opens path for reading; "" and "-" mean the command's stdin.
func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(path) //nolint:gosec // G304: path is an explicit CLI argument
	if err != nil {
		return nil, err
	}
	return f, nil
}

// sourcesFromFlags returns --source, or every known source with --all.
func (a *app) sourcesFromFlags(cmd *cobra.Command, known func() ([]string, error)) ([]string, error) {
	source, _ := cmd.Flags().GetString("source")
	all, _ := cmd.Flags().GetBool("all")
	switch {
	case source != "" && all:
		return nil, fmt.Errorf("--source and --all are mutually exclusive")
	case source != "":
		return []string{source}, nil
	case all:
		return known()
	}
	return nil, fmt.Errorf("one of --source or --all is required")
}

func (a *app) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), a.version)
		},
	}
}
