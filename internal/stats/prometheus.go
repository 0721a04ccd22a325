package stats

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "optrack"

// Registry renders a Report as Prometheus gauges on a private registry.
func Registry(r *Report) *prometheus.Registry {
	reg := prometheus.NewRegistry()

	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, append([]string{"source"}, labels...))
		reg.MustRegister(g)
		return g
	}

	records := gauge("records", "Records currently stored per source.")
	seen := gauge("seen_ids", "Identifiers ever observed per source.")
	pending := gauge("pending_details", "Identifiers seen but without a stored record.")
	logLines := gauge("log_lines", "Physical lines in the record log, including superseded versions.")
	storage := gauge("storage_bytes", "On-disk size of per-source files.", "file")
	updated := gauge("last_updated_timestamp_seconds", "Unix time of the last store update.")
	pullNew := gauge("latest_pull_new_records", "New identifiers found by the latest reconciliation that found any.")
	formatInfo := gauge("storage_format_info", "Storage format of the source; value is always 1.", "format")

	for _, s := range r.Sources {
		records.WithLabelValues(s.Name).Set(float64(s.RecordCount))
		seen.WithLabelValues(s.Name).Set(float64(s.SeenCount))
		pending.WithLabelValues(s.Name).Set(float64(s.PendingCount))
		logLines.WithLabelValues(s.Name).Set(float64(s.LogLines))
		for file, size := range map[string]int64{
			"jsonl":       s.Storage.JSONL,
			"index":       s.Storage.Index,
			"legacy_json": s.Storage.LegacyJSON,
			"csv":         s.Storage.CSV,
			"archive":     s.Storage.Archives,
		} {
			storage.WithLabelValues(s.Name, file).Set(float64(size))
		}
		if !s.LastUpdated.IsZero() {
			updated.WithLabelValues(s.Name).Set(float64(s.LastUpdated.Unix()))
		}
		pullNew.WithLabelValues(s.Name).Set(float64(s.LatestPull.NewGrants))
		formatInfo.WithLabelValues(s.Name, s.StorageFormat).Set(1)
	}
	return reg
}

// WriteTextfile writes the report in the node_exporter textfile format.
func WriteTextfile(path string, r *Report) error {
	if err := prometheus.WriteToTextfile(path, Registry(r)); err != nil {
		return fmt.Errorf("write prometheus textfile: %w", err)
	}
	return nil
}
