package maintenance

import (
	"context"

	"optrack/internal/ingest"
	"optrack/internal/reconcile"
)

// InboxHandler routes inbox files into the service: candidate files are
// bulk-upserted, listing scans are reconciled.
type InboxHandler struct {
	Service    *Service
	Reconciler *reconcile.Reconciler
}

var _ ingest.Handler = (*InboxHandler)(nil)

func (h *InboxHandler) HandleCandidates(ctx context.Context, source string, c ingest.Candidates) error {
	res, err := h.Service.Ingest(ctx, source, c.Records)
	if err != nil {
		return err
	}
	h.Service.logger.Info("ingested candidates",
		"source", source, "new", res.New, "updated", res.Updated,
		"skipped", res.Skipped+c.Skipped)
	return nil
}

func (h *InboxHandler) HandleObserved(ctx context.Context, source string, obs reconcile.Observation) error {
	_, err := h.Reconciler.Run(ctx, source, obs)
	return err
}
