package service

import (
	"context"
	"fmt"
	"time"

	"github.com/GoPolymarket/capsettle/internal/market"
	"github.com/GoPolymarket/capsettle/internal/model"
	"github.com/GoPolymarket/capsettle/internal/pkg/logger"
	"github.com/google/uuid"
)

const (
	JobIndexSync    = "index_sync"
	JobAccrual      = "daily_accrual"
	JobDisbursement = "disbursement"
	JobReconcile    = "reconcile"
)

// ReportPublisher receives one report per job run.
type ReportPublisher interface {
	Publish(report *model.RunReport)
}

// PartialRunError reports a run that finished but left items unprocessed.
type PartialRunError struct {
	Failed int
	Total  int
}

func (e *PartialRunError) Error() string {
	return fmt.Sprintf("%d of %d items failed", e.Failed, e.Total)
}

// Jobs adapts the pipeline components to scheduler job functions that
// publish a run report each time they run.
type Jobs struct {
	syncer       *market.IndexSyncer
	recorder     *AccrualRecorder
	disbursement *DisbursementService
	reconciler   *Reconciler
	reports      ReportPublisher
}

func NewJobs(syncer *market.IndexSyncer, recorder *AccrualRecorder, disbursement *DisbursementService, reconciler *Reconciler, reports ReportPublisher) *Jobs {
	return &Jobs{
		syncer:       syncer,
		recorder:     recorder,
		disbursement: disbursement,
		reconciler:   reconciler,
		reports:      reports,
	}
}

func (j *Jobs) IndexSync(ctx context.Context) error {
	return j.run(ctx, JobIndexSync, func(ctx context.Context, _ *model.RunReport) error {
		res, err := j.syncer.Sync(ctx)
		if err != nil {
			return err
		}
		logger.Info("index synced", "markets", res.Markets, "positions", res.Positions,
			"deactivated", res.Deactivated, "caps_applied", res.CapsApplied)
		return nil
	})
}

func (j *Jobs) DailyAccrual(ctx context.Context) error {
	return j.run(ctx, JobAccrual, func(ctx context.Context, rep *model.RunReport) error {
		out, err := j.recorder.Run(ctx)
		rep.Accrual = out
		if err != nil {
			return err
		}
		if n := len(out.Errors); n > 0 {
			return &PartialRunError{Failed: n, Total: out.PositionsProcessed}
		}
		return nil
	})
}

func (j *Jobs) Disbursement(ctx context.Context) error {
	return j.run(ctx, JobDisbursement, func(ctx context.Context, rep *model.RunReport) error {
		out, err := j.disbursement.Run(ctx)
		rep.Disbursement = out
		if err != nil {
			return err
		}
		if n := out.Failed + out.Pending; n > 0 {
			return &PartialRunError{Failed: n, Total: out.Batches}
		}
		return nil
	})
}

func (j *Jobs) Reconcile(ctx context.Context) error {
	return j.run(ctx, JobReconcile, func(ctx context.Context, rep *model.RunReport) error {
		out, err := j.reconciler.Run(ctx)
		rep.Reconcile = out
		if err != nil {
			return err
		}
		if n := len(out.Errors) + len(out.UnresolvedClaims); n > 0 {
			return &PartialRunError{Failed: n, Total: out.Checked}
		}
		return nil
	})
}

func (j *Jobs) run(ctx context.Context, name string, fn func(ctx context.Context, rep *model.RunReport) error) error {
	rep := &model.RunReport{ID: uuid.NewString(), Job: name, StartedAt: time.Now().UTC()}
	log := logger.ForJob(name, rep.ID)
	log.Info("job started")

	err := fn(ctx, rep)

	rep.FinishedAt = time.Now().UTC()
	if err != nil {
		rep.Error = err.Error()
		logger.LogErrorTo(ctx, log, err, "job finished with errors", "duration", rep.FinishedAt.Sub(rep.StartedAt).String())
	} else {
		log.Info("job finished", "duration", rep.FinishedAt.Sub(rep.StartedAt).String())
	}
	if j.reports != nil {
		j.reports.Publish(rep)
	}
	return err
}
