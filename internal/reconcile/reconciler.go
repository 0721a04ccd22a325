package reconcile

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"optrack/internal/idset"
	"optrack/internal/logging"
	"optrack/internal/seen"

	"github.com/google/uuid"
)

// DefaultSampleSize is how many ids per class are logged.
const DefaultSampleSize = 5

// StoredFunc returns the stored identifiers of a source.
type StoredFunc func(ctx context.Context, source string) (idset.Set, error)

// Observation is what a listing scan found for one source.
type Observation struct {
	IDs idset.Set
	// Titles maps ids to listing titles. Optional, used for logging only.
	Titles map[string]string
}

// Config configures a Reconciler.
type Config struct {
	// Tracker supplies and, with Commit, receives seen ids.
	Tracker *seen.Tracker

	// Stored supplies the stored ids per source.
	Stored StoredFunc

	// RunsDir receives one directory per run. Empty disables reports.
	RunsDir string

	LiveOnlyMissing bool

	// Commit adds observed ids to the tracker after classification.
	Commit bool

	// SampleSize bounds the ids logged per class. Defaults to DefaultSampleSize.
	SampleSize int

	Now func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	// The reconciler scopes this logger with component="reconciler".
	Logger *slog.Logger
}

// Reconciler classifies observations against real tracker and store state.
// Missing inputs are treated as empty sets, so a first run on a fresh data
// dir reports every observed id as new.
type Reconciler struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Reconciler {
	cfg.SampleSize = cmp.Or(cfg.SampleSize, DefaultSampleSize)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reconciler{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "reconciler"),
	}
}

// Outcome is the result of one run.
type Outcome struct {
	Report     *Report
	ReportPath string
	Results    map[string]Result
}

// Run reconciles a single source.
func (r *Reconciler) Run(ctx context.Context, source string, obs Observation) (*Outcome, error) {
	return r.RunAll(ctx, map[string]Observation{source: obs})
}

// RunAll reconciles every source in obs in lexical order and writes one
// report covering all of them. Cancellation is checked between sources; a
// cancelled run writes no report.
func (r *Reconciler) RunAll(ctx context.Context, obs map[string]Observation) (*Outcome, error) {
	runID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	out := &Outcome{
		Report: &Report{
			RunID:     runID.String(),
			StartedAt: r.cfg.Now().Format(time.RFC3339Nano),
			Sites:     make(map[string]SiteReport, len(obs)),
		},
		Results: make(map[string]Result, len(obs)),
	}
	logger := r.logger.With("run_id", out.Report.RunID)

	var errs []error
	for _, source := range slices.Sorted(maps.Keys(obs)) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		site, res, err := r.reconcile(ctx, logger.With("source", source), source, obs[source])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", source, err))
		}
		out.Report.Sites[source] = site
		out.Results[source] = res
	}
	out.Report.CompletedAt = r.cfg.Now().Format(time.RFC3339Nano)

	if r.cfg.RunsDir != "" {
		path, err := writeReport(r.cfg.RunsDir, out.Report)
		if err != nil {
			errs = append(errs, fmt.Errorf("write run report: %w", err))
		} else {
			out.ReportPath = path
			logger.Info("wrote run report", "path", path)
		}
	}
	return out, errors.Join(errs...)
}

func (r *Reconciler) reconcile(ctx context.Context, logger *slog.Logger, source string, obs Observation) (SiteReport, Result, error) {
	var prev idset.Set
	if r.cfg.Tracker != nil {
		prev = r.cfg.Tracker.IDs(source)
	} else {
		logger.Warn("no seen tracker, treating previously seen as empty")
	}

	var stored idset.Set
	if r.cfg.Stored != nil {
		ids, err := r.cfg.Stored(ctx, source)
		if err != nil {
			logger.Warn("stored ids unavailable, treating as empty", "error", err)
		} else {
			stored = ids
		}
	}

	res := Classify(Input{
		PreviouslySeen:  prev,
		Observed:        obs.IDs,
		Stored:          stored,
		LiveOnlyMissing: r.cfg.LiveOnlyMissing,
	})
	sum := res.Summary(r.cfg.SampleSize)
	logger.Info("reconciled listing",
		"observed", obs.IDs.Len(),
		"previously_seen", prev.Len(),
		"stored", stored.Len(),
		"new", sum.New,
		"missing_details", sum.MissingDetails,
		"archived", sum.Archived,
		"new_sample", sum.NewSample,
		"missing_sample", sum.MissingSample,
	)
	for _, id := range sum.NewSample {
		if title, ok := obs.Titles[id]; ok {
			logger.Info("new listing", "id", id, "title", title)
		}
	}

	site := SiteReport{
		BeforeCount:   prev.Len(),
		AfterCount:    prev.Union(obs.IDs).Len(),
		NewCount:      sum.New,
		NewIDs:        res.New.Sorted(),
		MissingCount:  sum.MissingDetails,
		MissingIDs:    res.MissingDetails.Sorted(),
		ArchivedCount: sum.Archived,
	}

	if r.cfg.Commit && r.cfg.Tracker != nil {
		if _, err := r.cfg.Tracker.Add(source, obs.IDs); err != nil {
			return site, res, fmt.Errorf("commit seen ids: %w", err)
		}
		site.Committed = true
	}
	return site, res, nil
}
