package maintenance

import (
	"context"

	"optrack/internal/scheduler"
)

// Job names registered by Schedule.
const (
	JobCompact = "compact"
	JobExport  = "export"
)

// Schedules holds cron expressions for the recurring jobs. An empty
// expression leaves that job unscheduled.
type Schedules struct {
	Compact string
	Export  string
}

// Schedule registers the service's recurring jobs on sch, replacing any
// it registered before. An empty expression removes that job.
func (s *Service) Schedule(sch *scheduler.Scheduler, sched Schedules) error {
	jobs := []struct {
		name string
		expr string
		task scheduler.Task
	}{
		{JobCompact, sched.Compact, func(ctx context.Context) error {
			res, err := s.CompactAll(ctx)
			for source, r := range res {
				s.logger.Info("scheduled compaction",
					"source", source, "lines_before", r.LinesBefore, "lines_after", r.LinesAfter)
			}
			return err
		}},
		{JobExport, sched.Export, func(ctx context.Context) error {
			_, err := s.ExportAll(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		sch.RemoveJob(j.name)
		if j.expr == "" {
			continue
		}
		if err := sch.AddJob(j.name, j.expr, j.task); err != nil {
			return err
		}
	}
	return nil
}
