package service

import (
	"context"
	"time"

	"github.com/sitescan/notifier/internal/archive"
	"github.com/sitescan/notifier/internal/events"
	"github.com/sitescan/notifier/internal/store"
	"github.com/sitescan/notifier/internal/store/model"
	"github.com/sitescan/notifier/pkg/metrics"
	"go.uber.org/zap"
)

const InterruptedReason = "interrupted by server restart"

type RecoveryReport struct {
	Interrupted int
	Detached    int
	Cleared     int
	Pruned      int
}

// RecoveryService repairs the jobs left behind by an unclean shutdown. It must
// run before any connection is accepted.
type RecoveryService struct {
	store       store.Store
	cleaner     *DuplicateCleaner
	eventWriter *events.EventProducer
}

func NewRecoveryService(s store.Store, a archive.Archiver, ep *events.EventProducer) *RecoveryService {
	return &RecoveryService{
		store:       s,
		cleaner:     NewDuplicateCleaner(s, a, ep),
		eventWriter: ep,
	}
}

// RecoverCrashedJobs fails every running job, detaches every job from the
// connections of the previous process and prunes duplicated accepted jobs.
// Running it twice changes nothing the second time.
func (r *RecoveryService) RecoverCrashedJobs(ctx context.Context) (RecoveryReport, error) {
	logger := zap.S().Named("recovery_service")
	report := RecoveryReport{}

	ctx, err := r.store.NewTransactionContext(ctx)
	if err != nil {
		return report, NewErrStore("start recovery transaction", err)
	}

	interrupted, err := r.store.Job().Transition(ctx,
		store.NewJobQueryFilter().ByStatus(model.JobStatusScrapping),
		model.JobStatusError,
		map[string]any{
			"success":           false,
			"failure_reason":    InterruptedReason,
			"result_created_at": time.Now().UTC(),
		},
	)
	if err != nil {
		_, _ = store.Rollback(ctx)
		return report, NewErrStore("fail interrupted jobs", err)
	}
	report.Interrupted = len(interrupted)

	detached, err := r.store.Job().Update(ctx,
		store.NewJobQueryFilter().ByAppStatus(model.AppStatusConnected).WithoutStatus(model.JobStatusAccepted),
		map[string]any{
			"app_status":        model.AppStatusDisconnected,
			"connection_handle": "",
		},
	)
	if err != nil {
		_, _ = store.Rollback(ctx)
		return report, NewErrStore("detach jobs", err)
	}
	report.Detached = len(detached)

	cleared, err := r.store.Job().Update(ctx,
		store.NewJobQueryFilter().ByStatus(model.JobStatusAccepted).WithStaleAttachment(),
		map[string]any{
			"app_status":        model.AppStatusNone,
			"connection_handle": "",
		},
	)
	if err != nil {
		_, _ = store.Rollback(ctx)
		return report, NewErrStore("clear accepted jobs", err)
	}
	report.Cleared = len(cleared)
	for _, j := range cleared {
		logger.Warnw("accepted job was still attached to a connection", "job_id", j.ID, "owner", j.Owner, "target", j.Target)
	}

	ctx, err = store.Commit(ctx)
	if err != nil {
		return report, NewErrStore("commit recovery", err)
	}

	pruned, err := r.pruneDuplicates(ctx)
	report.Pruned = pruned
	if err != nil {
		logger.Errorw("failed to prune duplicated accepted jobs", "error", err)
	}

	metrics.IncreaseJobsRecoveredMetric(report.Interrupted)
	for _, j := range interrupted {
		writeJobEvent(ctx, r.eventWriter, events.JobRecoveredKind, j)
	}

	logger.Infow("recovery done", "interrupted", report.Interrupted, "detached", report.Detached, "cleared", report.Cleared, "pruned", report.Pruned)

	return report, nil
}

func (r *RecoveryService) pruneDuplicates(ctx context.Context) (int, error) {
	accepted, err := r.store.Job().List(ctx, store.NewJobQueryFilter().ByStatus(model.JobStatusAccepted), nil)
	if err != nil {
		return 0, NewErrStore("list accepted jobs", err)
	}

	type key struct{ owner, target string }
	counts := map[key]int{}
	order := []key{}
	for _, j := range accepted {
		k := key{j.Owner, j.Target}
		if counts[k] == 0 {
			order = append(order, k)
		}
		counts[k]++
	}

	pruned := 0
	for _, k := range order {
		if counts[k] < 2 {
			continue
		}
		zap.S().Named("recovery_service").Warnw("found duplicated accepted jobs", "owner", k.owner, "target", k.target, "count", counts[k])
		n, err := r.cleaner.Prune(ctx, k.owner, k.target)
		if err != nil {
			return pruned, err
		}
		pruned += n
	}
	return pruned, nil
}
