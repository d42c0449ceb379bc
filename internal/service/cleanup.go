package service

import (
	"context"
	"fmt"

	"github.com/sitescan/notifier/internal/archive"
	"github.com/sitescan/notifier/internal/events"
	"github.com/sitescan/notifier/internal/service/mappers"
	"github.com/sitescan/notifier/internal/store"
	"github.com/sitescan/notifier/internal/store/model"
	"github.com/sitescan/notifier/pkg/metrics"
	"go.uber.org/zap"
)

// DuplicateCleaner keeps a single accepted job per owner and target.
type DuplicateCleaner struct {
	store       store.Store
	archiver    archive.Archiver
	eventWriter *events.EventProducer
}

func NewDuplicateCleaner(s store.Store, a archive.Archiver, ep *events.EventProducer) *DuplicateCleaner {
	if a == nil {
		a = &archive.NoopArchiver{}
	}
	return &DuplicateCleaner{store: s, archiver: a, eventWriter: ep}
}

// Prune removes every accepted job of owner for target except the most
// recently created one. Jobs are archived before being deleted; when the
// archive fails nothing is deleted.
func (c *DuplicateCleaner) Prune(ctx context.Context, owner, target string) (int, error) {
	accepted, err := c.store.Job().List(ctx,
		store.NewJobQueryFilter().ByOwner(owner).ByTarget(target).ByStatus(model.JobStatusAccepted),
		store.NewJobQueryOptions().WithSortOrder(store.SortByCreatedTimeDesc),
	)
	if err != nil {
		return 0, NewErrStore("list accepted jobs", err)
	}

	if len(accepted) <= 1 {
		return 0, nil
	}

	stale := accepted[1:]
	if err := c.archiver.Archive(ctx, stale); err != nil {
		return 0, fmt.Errorf("failed to archive %d jobs: %w", len(stale), err)
	}

	n, err := c.store.Job().Delete(ctx, store.NewJobQueryFilter().ByIDs(stale.IDs()))
	if err != nil {
		return 0, NewErrStore("delete accepted jobs", err)
	}

	metrics.IncreaseJobsPrunedMetric(int(n))
	for _, j := range stale {
		writeJobEvent(ctx, c.eventWriter, events.JobPrunedKind, j)
	}
	zap.S().Named("duplicate_cleaner").Infow("pruned accepted jobs", "owner", owner, "target", target, "count", n, "kept", accepted[0].ID)

	return int(n), nil
}

func writeJobEvent(ctx context.Context, ep *events.EventProducer, kind string, job model.Job) {
	if ep == nil {
		return
	}
	if err := ep.WriteEvent(ctx, kind, mappers.JobEventFromJob(job)); err != nil {
		zap.S().Named("job_service").Errorw("failed to write event", "error", err, "event_kind", kind, "job_id", job.ID)
	}
}
