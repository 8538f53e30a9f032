/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Balances are a cache of the entry history. This scheduler periodically
  replays every user's history and compares it with the stored balance,
  optionally repairing drift. A broken hash chain is reported and never
  repaired.

DESIGN:
  - robfig/cron drives the schedule in the policy's timezone
  - Overlapping runs are skipped (cron.SkipIfStillRunning and a run mutex
    shared with RunNow)
  - The last runs are kept in memory for GET /reconciliation/runs

CONFIGURATION:
  - Schedule: cron spec (default "0 3 * * *", 03:00 daily)
  - Repair:   overwrite drifted balances with the replay

USAGE:
  scheduler := NewReconciliationScheduler(ledger, cfg, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Manual run and per-user reconcile endpoints
  - points/replay.go: Ledger.Reconcile
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/warp/points-ledger/points"
)

// ErrRunInProgress is returned by RunNow while another run is active.
var ErrRunInProgress = errors.New("reconciliation already running")

// Reconciler is the part of points.Ledger the scheduler needs.
type Reconciler interface {
	UserIDs(ctx context.Context) ([]points.UserID, error)
	Reconcile(ctx context.Context, userID points.UserID, repair bool) (points.ReconcileReport, error)
}

var _ Reconciler = (*points.Ledger)(nil)

type SchedulerConfig struct {
	Schedule string
	Repair   bool
	Location *time.Location

	// KeepRuns bounds the in-memory run history.
	KeepRuns int
}

// ReconciliationRun is the outcome of one pass over all users.
type ReconciliationRun struct {
	ID          string
	Trigger     string
	Status      string
	Users       int
	Drifted     int
	Repaired    int
	ChainErrors int
	Failed      int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// ReconciliationScheduler runs reconciliation on a cron schedule.
type ReconciliationScheduler struct {
	ledger Reconciler
	cfg    SchedulerConfig
	log    logrus.FieldLogger

	cron    *cron.Cron
	entryID cron.EntryID
	running sync.Mutex

	mu      sync.Mutex
	runs    []ReconciliationRun
	started bool
}

// NewReconciliationScheduler validates the schedule. It does not start.
func NewReconciliationScheduler(ledger Reconciler, cfg SchedulerConfig, log logrus.FieldLogger) (*ReconciliationScheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "0 3 * * *"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.KeepRuns <= 0 {
		cfg.KeepRuns = 50
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "reconcile")

	rs := &ReconciliationScheduler{ledger: ledger, cfg: cfg, log: log}
	rs.cron = cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(log))),
	)
	id, err := rs.cron.AddFunc(cfg.Schedule, func() {
		if _, err := rs.RunNow(context.Background(), "schedule"); err != nil && !errors.Is(err, ErrRunInProgress) {
			rs.log.WithError(err).Error("scheduled reconciliation failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid reconciliation schedule %q: %w", cfg.Schedule, err)
	}
	rs.entryID = id
	return rs, nil
}

func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.started {
		return
	}
	rs.started = true
	rs.cron.Start()
	rs.log.WithFields(logrus.Fields{
		"schedule": rs.cfg.Schedule,
		"repair":   rs.cfg.Repair,
		"timezone": rs.cfg.Location.String(),
	}).Info("reconciliation scheduler started")
}

// Stop waits for a running job to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	if !rs.started {
		rs.mu.Unlock()
		return
	}
	rs.started = false
	rs.mu.Unlock()

	ctx := rs.cron.Stop()
	<-ctx.Done()
	rs.log.Info("reconciliation scheduler stopped")
}

// NextRunTime is zero until Start.
func (rs *ReconciliationScheduler) NextRunTime() time.Time {
	return rs.cron.Entry(rs.entryID).Next
}

// Runs returns the recorded runs, most recent first.
func (rs *ReconciliationScheduler) Runs() []ReconciliationRun {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]ReconciliationRun, len(rs.runs))
	for i, r := range rs.runs {
		out[len(rs.runs)-1-i] = r
	}
	return out
}

// RunNow reconciles every user and records the run. Per-user failures are
// counted, not returned; the error is set only when the run could not
// start or the user list could not be loaded.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context, trigger string) (ReconciliationRun, error) {
	if !rs.running.TryLock() {
		return ReconciliationRun{}, ErrRunInProgress
	}
	defer rs.running.Unlock()

	run := ReconciliationRun{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		Status:    "running",
		StartedAt: time.Now().UTC(),
	}
	log := rs.log.WithFields(logrus.Fields{"run_id": run.ID, "trigger": trigger})

	ids, err := rs.ledger.UserIDs(ctx)
	if err != nil {
		run.Status = "failed"
		run.Error = err.Error()
		rs.record(run)
		ReconcileRuns.WithLabelValues(run.Status).Inc()
		return run, err
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			run.Status = "cancelled"
			run.Error = ctx.Err().Error()
			break
		}
		report, err := rs.ledger.Reconcile(ctx, id, rs.cfg.Repair)
		run.Users++
		if err != nil {
			run.Failed++
			log.WithError(err).WithField("user_id", id).Warn("failed to reconcile user")
			continue
		}
		if report.ChainErr != nil {
			run.ChainErrors++
			ReconcileDrift.WithLabelValues("chain_broken").Inc()
		}
		if report.Drift {
			run.Drifted++
			outcome := "reported"
			if report.Repaired {
				run.Repaired++
				outcome = "repaired"
			}
			ReconcileDrift.WithLabelValues(outcome).Inc()
		}
	}

	if run.Status == "running" {
		run.Status = "completed"
	}
	done := time.Now().UTC()
	run.CompletedAt = &done
	rs.record(run)
	ReconcileRuns.WithLabelValues(run.Status).Inc()

	log.WithFields(logrus.Fields{
		"users":        run.Users,
		"drifted":      run.Drifted,
		"repaired":     run.Repaired,
		"chain_errors": run.ChainErrors,
		"failed":       run.Failed,
		"duration":     done.Sub(run.StartedAt).String(),
	}).Info("reconciliation run finished")
	return run, nil
}

func (rs *ReconciliationScheduler) record(run ReconciliationRun) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.runs = append(rs.runs, run)
	if len(rs.runs) > rs.cfg.KeepRuns {
		rs.runs = rs.runs[len(rs.runs)-rs.cfg.KeepRuns:]
	}
}
