package scheduler

import (
	"context"
	"fmt"

	"github.com/jmylchreest/tvarr/internal/models"
)

// SourceEventType identifies a source lifecycle event raised by
// SourceService/EpgService that the scheduler should react to immediately,
// rather than waiting for its next periodic sync tick.
type SourceEventType string

const (
	// SourceCreated is raised after a new stream or EPG source is created.
	SourceCreated SourceEventType = "source_created"
	// SourceUpdated is raised after a source's schedule-relevant fields change.
	SourceUpdated SourceEventType = "source_updated"
	// SourceDeleted is raised after a source is deleted.
	SourceDeleted SourceEventType = "source_deleted"
	// ManualRefreshTriggered is raised when a user requests an out-of-band
	// refresh of a single source.
	ManualRefreshTriggered SourceEventType = "manual_refresh_triggered"
)

// HandleSourceEvent reacts to a source lifecycle event. Created/Updated/
// Deleted force an immediate schedule resync so a new, changed, or removed
// cron entry takes effect without waiting for the next sync tick.
// ManualRefreshTriggered schedules an immediate one-off job for the target,
// deduplicated the same way as any other immediate job.
func (s *Scheduler) HandleSourceEvent(ctx context.Context, event SourceEventType, jobType models.JobType, targetID models.ULID, targetName string) error {
	switch event {
	case SourceCreated, SourceUpdated, SourceDeleted:
		return s.ForceSync(ctx)
	case ManualRefreshTriggered:
		_, err := s.ScheduleImmediate(ctx, jobType, targetID, targetName)
		return err
	default:
		return fmt.Errorf("unknown scheduler event type: %s", event)
	}
}
