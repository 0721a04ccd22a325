// Package config loads the optrack YAML configuration file.
//
// Every field is optional. A missing file yields Default(); unknown keys are
// rejected so typos do not silently fall back to defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"gopkg.in/yaml.v3"

	"optrack/internal/home"
	"optrack/internal/ingest"
	"optrack/internal/reconcile"
	"optrack/internal/record"
	"optrack/internal/store"
)

// Config is the whole configuration file.
type Config struct {
	// DataDir holds per-source files. Relative paths are resolved against
	// the home directory.
	DataDir string `yaml:"data_dir"`

	// RunsDir holds reconciliation run reports.
	RunsDir string `yaml:"runs_dir"`

	// IDField is the record key holding the identifier.
	IDField string `yaml:"id_field"`

	// LiveOnlyMissing restricts missing-details to ids in the current listing.
	LiveOnlyMissing bool `yaml:"live_only_missing"`

	// SampleSize bounds the ids logged per class during reconciliation.
	SampleSize int `yaml:"sample_size"`

	Sources    []SourceConfig   `yaml:"sources"`
	Compaction CompactionConfig `yaml:"compaction"`
	Export     ExportConfig     `yaml:"export"`
	Watch      WatchConfig      `yaml:"watch"`
}

// SourceConfig describes one portal.
type SourceConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`

	// IDPath is a JSONPath expression locating the identifier in candidate
	// records that do not carry it under IDField.
	IDPath string `yaml:"id_path"`
}

// CompactionConfig controls when logs are compacted.
type CompactionConfig struct {
	// Schedule is a cron expression (5 fields, or 6 with seconds). Empty
	// disables scheduled compaction.
	Schedule string `yaml:"schedule"`

	// Archive keeps a zstd copy of each log before it is compacted.
	Archive bool `yaml:"archive"`

	// Thresholds; any one exceeded triggers compaction. Zero disables a
	// threshold.
	MaxDeadRatio float64 `yaml:"max_dead_ratio"`
	MaxDeadLines int64   `yaml:"max_dead_lines"`
	MaxLogSize   string  `yaml:"max_log_size"` // e.g. "64MB"
}

// ExportConfig controls scheduled legacy snapshot export.
type ExportConfig struct {
	Schedule string `yaml:"schedule"`
}

// WatchConfig controls the inbox watcher.
type WatchConfig struct {
	Inbox        string        `yaml:"inbox"`
	Settle       time.Duration `yaml:"settle"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// FieldError reports an invalid value and the key path it was found at.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Err.Error() }

func (e *FieldError) Unwrap() error { return e.Err }

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DataDir:    home.DataDirName,
		RunsDir:    home.RunsDirName,
		IDField:    record.DefaultIDField,
		SampleSize: reconcile.DefaultSampleSize,
		Compaction: CompactionConfig{
			MaxDeadRatio: 0.5,
		},
		Watch: WatchConfig{
			Inbox:        home.InboxDirName,
			Settle:       time.Second,
			PollInterval: 30 * time.Second,
		},
	}
}

// Load reads path. A missing or empty file yields Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the home dir or an explicit flag
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document over Default() and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field and joins all problems found.
func (c *Config) Validate() error {
	var errs []error
	fail := func(field string, err error) {
		errs = append(errs, &FieldError{Field: field, Err: err})
	}

	if strings.TrimSpace(c.IDField) == "" {
		fail("id_field", errors.New("must not be empty"))
	}
	if c.SampleSize < 0 {
		fail("sample_size", errors.New("must not be negative"))
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		field := fmt.Sprintf("sources[%d]", i)
		switch {
		case strings.TrimSpace(s.Name) == "":
			fail(field+".name", errors.New("must not be empty"))
		case seen[s.Name]:
			fail(field+".name", fmt.Errorf("duplicate source %q", s.Name))
		}
		seen[s.Name] = true
		if s.IDPath != "" {
			if _, err := ingest.NewExtractor(c.IDField, s.IDPath); err != nil {
				fail(field+".id_path", err)
			}
		}
	}

	if err := ValidateCron(c.Compaction.Schedule); err != nil {
		fail("compaction.schedule", err)
	}
	if r := c.Compaction.MaxDeadRatio; r < 0 || r > 1 {
		fail("compaction.max_dead_ratio", errors.New("must be between 0 and 1"))
	}
	if c.Compaction.MaxDeadLines < 0 {
		fail("compaction.max_dead_lines", errors.New("must not be negative"))
	}
	if c.Compaction.MaxLogSize != "" {
		if _, err := ParseBytes(c.Compaction.MaxLogSize); err != nil {
			fail("compaction.max_log_size", err)
		}
	}
	if err := ValidateCron(c.Export.Schedule); err != nil {
		fail("export.schedule", err)
	}
	if c.Watch.Settle < 0 {
		fail("watch.settle", errors.New("must not be negative"))
	}
	return errors.Join(errs...)
}

// Source returns the config of the named source.
func (c *Config) Source(name string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// Extractor returns the identifier extractor for source, or nil when the
// source has no id_path.
func (c *Config) Extractor(source string) (*ingest.Extractor, error) {
	s, ok := c.Source(source)
	if !ok || s.IDPath == "" {
		return nil, nil
	}
	return ingest.NewExtractor(c.IDField, s.IDPath)
}

// Extractors returns the extractors of every source with an id_path.
func (c *Config) Extractors() (map[string]*ingest.Extractor, error) {
	out := make(map[string]*ingest.Extractor)
	for _, s := range c.Sources {
		ext, err := c.Extractor(s.Name)
		if err != nil {
			return nil, err
		}
		if ext != nil {
			out[s.Name] = ext
		}
	}
	return out, nil
}

// Policy builds the compaction policy from the thresholds. With no
// threshold set it never compacts.
func (c *Config) Policy() (store.CompactionPolicy, error) {
	var policies []store.CompactionPolicy
	if r := c.Compaction.MaxDeadRatio; r > 0 {
		policies = append(policies, store.NewDeadRatioPolicy(r))
	}
	if n := c.Compaction.MaxDeadLines; n > 0 {
		policies = append(policies, store.NewDeadLinesPolicy(n))
	}
	if c.Compaction.MaxLogSize != "" {
		n, err := ParseBytes(c.Compaction.MaxLogSize)
		if err != nil {
			return nil, fmt.Errorf("invalid max_log_size: %w", err)
		}
		policies = append(policies, store.NewSizePolicy(int64(n)))
	}

	switch len(policies) {
	case 0:
		return store.NeverPolicy{}, nil
	case 1:
		return policies[0], nil
	}
	return store.NewCompositePolicy(policies...), nil
}

// Paths are the resolved directories a process works in.
type Paths struct {
	Data  string
	Runs  string
	Inbox string
}

// Paths resolves the configured directories against h.
func (c *Config) Paths(h home.Dir) Paths {
	return Paths{
		Data:  h.Path(c.DataDir),
		Runs:  h.Path(c.RunsDir),
		Inbox: h.Path(c.Watch.Inbox),
	}
}

// ValidateCron checks a cron expression. Supports both 5-field
// (minute-level) and 6-field (second-level) syntax. Empty is valid.
func ValidateCron(expr string) error {
	if expr == "" {
		return nil
	}
	cr := gocron.NewDefaultCron(true)
	if err := cr.IsValid(expr, time.UTC, time.Now()); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// ParseBytes parses a byte size string with optional suffix (B, KB, MB, GB).
func ParseBytes(s string) (uint64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, errors.New("empty value")
	}

	var multiplier uint64 = 1
	for _, unit := range []struct {
		suffix string
		mult   uint64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	} {
		if strings.HasSuffix(s, unit.suffix) {
			multiplier = unit.mult
			s = strings.TrimSuffix(s, unit.suffix)
			break
		}
	}

	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}
