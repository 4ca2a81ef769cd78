package optimizer

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Toss-Online-Services/pgoptimizer/src/collector"
	"github.com/Toss-Online-Services/pgoptimizer/src/db"
	"github.com/Toss-Online-Services/pgoptimizer/src/models"
)

const (
	rebuildMinScans = 1000
	rebuildMinBytes = 10 << 20

	vacuumDeadTupleFraction = 0.1
	vacuumDeadTupleFloor    = 1000
	vacuumMinModifications  = 10000
)

// RebuildCandidate is a frequently scanned index large enough to be worth a
// rebuild. Scan count and size stand in for a real bloat estimate.
type RebuildCandidate struct {
	SchemaName string `db:"schemaname"`
	TableName  string `db:"relname"`
	IndexName  string `db:"indexrelname"`
	IdxScan    int64  `db:"idx_scan"`
	SizeBytes  int64  `db:"index_size"`
}

// VacuumCandidate is a table with many dead tuples or heavy write churn
type VacuumCandidate struct {
	SchemaName    string `db:"schemaname"`
	TableName     string `db:"relname"`
	DeadTuples    int64  `db:"n_dead_tup"`
	LiveTuples    int64  `db:"n_live_tup"`
	Modifications int64  `db:"modifications"`
}

const rebuildCandidatesQuery = `
	SELECT
		schemaname,
		relname,
		indexrelname,
		idx_scan,
		pg_relation_size(indexrelid) AS index_size
	FROM pg_stat_user_indexes
	WHERE idx_scan > $1
		AND pg_relation_size(indexrelid) > $2
	ORDER BY pg_relation_size(indexrelid) DESC
`

const vacuumCandidatesQuery = `
	SELECT
		schemaname,
		relname,
		n_dead_tup,
		n_live_tup,
		n_tup_ins + n_tup_upd + n_tup_del AS modifications
	FROM pg_stat_user_tables
	WHERE n_dead_tup > GREATEST(n_live_tup * $1::float8, $2)
		OR n_tup_ins + n_tup_upd + n_tup_del > $3
	ORDER BY n_dead_tup DESC
`

// NeedsRebuild reports whether an index qualifies for a rebuild
func NeedsRebuild(c RebuildCandidate) bool {
	return c.IdxScan > rebuildMinScans && c.SizeBytes > rebuildMinBytes
}

// NeedsVacuum reports whether a table qualifies for dead tuple reclamation
func NeedsVacuum(c VacuumCandidate) bool {
	threshold := float64(c.LiveTuples) * vacuumDeadTupleFraction
	if threshold < vacuumDeadTupleFloor {
		threshold = vacuumDeadTupleFloor
	}
	return float64(c.DeadTuples) > threshold || c.Modifications > vacuumMinModifications
}

// Options tunes a MaintenanceExecutor
type Options struct {
	// DryRun records the statements without executing them
	DryRun bool
	// MaxStatementsPerMinute throttles executed statements, 0 means unlimited
	MaxStatementsPerMinute int
}

// MaintenanceExecutor refreshes planner statistics, rebuilds hot indexes
// and reclaims dead tuples. Objects are processed one at a time and a
// failure on one object does not stop the others.
type MaintenanceExecutor struct {
	opts    Options
	limiter *rate.Limiter
	log     *logrus.Logger
}

// NewMaintenanceExecutor creates a new MaintenanceExecutor instance
func NewMaintenanceExecutor(opts Options, log *logrus.Logger) *MaintenanceExecutor {
	me := &MaintenanceExecutor{
		opts: opts,
		log:  log,
	}
	if opts.MaxStatementsPerMinute > 0 {
		me.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.MaxStatementsPerMinute)), 1)
	}
	return me
}

// Run executes the three maintenance steps in order. The report is returned
// even when Run fails; it lists every action attempted so far.
//
// A failed ANALYZE aborts the run. Cancellation is checked before every
// object and no statement is issued after it has been observed.
func (me *MaintenanceExecutor) Run(ctx context.Context, q db.Querier) (*models.MaintenanceReport, error) {
	report := models.NewMaintenanceReport(me.opts.DryRun)
	defer func() { report.FinishedAt = time.Now() }()

	if err := ctx.Err(); err != nil {
		return report, err
	}

	action, err := me.execute(ctx, q, models.StepRefreshStatistics, "database", "ANALYZE")
	report.Add(action)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, ctxErr
		}
		return report, fmt.Errorf("failed to refresh statistics: %w", err)
	}
	me.log.Info("Refreshed planner statistics")

	if err := me.rebuildIndexes(ctx, q, report); err != nil {
		return report, err
	}
	if err := me.reclaimDeadTuples(ctx, q, report); err != nil {
		return report, err
	}

	me.log.WithFields(logrus.Fields{
		"succeeded": report.Count(models.ActionSucceeded),
		"failed":    report.Count(models.ActionFailed),
		"dry_run":   report.Count(models.ActionDryRun),
	}).Info("Maintenance complete")

	return report, nil
}

func (me *MaintenanceExecutor) rebuildIndexes(ctx context.Context, q db.Querier, report *models.MaintenanceReport) error {
	var candidates []RebuildCandidate
	if err := q.SelectContext(ctx, &candidates, rebuildCandidatesQuery, rebuildMinScans, rebuildMinBytes); err != nil {
		return collector.NewQueryError(rebuildCandidatesQuery, err)
	}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !NeedsRebuild(c) {
			continue
		}

		target := qualifiedName(c.SchemaName, c.IndexName)
		action, err := me.execute(ctx, q, models.StepRebuildIndex, target, "REINDEX INDEX CONCURRENTLY "+target)
		report.Add(action)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			me.log.WithFields(logrus.Fields{
				"index": target,
				"table": c.TableName,
			}).WithError(err).Warn("Failed to rebuild index")
		}
	}
	return nil
}

func (me *MaintenanceExecutor) reclaimDeadTuples(ctx context.Context, q db.Querier, report *models.MaintenanceReport) error {
	var candidates []VacuumCandidate
	if err := q.SelectContext(ctx, &candidates, vacuumCandidatesQuery,
		vacuumDeadTupleFraction, vacuumDeadTupleFloor, vacuumMinModifications); err != nil {
		return collector.NewQueryError(vacuumCandidatesQuery, err)
	}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !NeedsVacuum(c) {
			continue
		}

		target := qualifiedName(c.SchemaName, c.TableName)
		action, err := me.execute(ctx, q, models.StepReclaimDeadTuples, target, "VACUUM (ANALYZE) "+target)
		report.Add(action)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			me.log.WithField("table", target).WithError(err).Warn("Failed to vacuum table")
		}
	}
	return nil
}

// execute issues one statement, honouring dry run and the throttle
func (me *MaintenanceExecutor) execute(ctx context.Context, q db.Querier, step models.MaintenanceStep, target, statement string) (models.ActionResult, error) {
	action := models.ActionResult{
		Step:      step,
		Target:    target,
		Statement: statement,
	}

	if me.opts.DryRun {
		action.Status = models.ActionDryRun
		me.log.WithFields(logrus.Fields{"step": step, "target": target}).Infof("Dry run: %s", statement)
		return action, nil
	}

	if me.limiter != nil {
		if err := me.limiter.Wait(ctx); err != nil {
			action.Status = models.ActionSkipped
			action.Error = err.Error()
			return action, err
		}
	}

	// Once issued, a statement runs to completion. Cancelling REINDEX
	// CONCURRENTLY midway leaves an invalid index behind.
	start := time.Now()
	_, err := q.ExecContext(context.WithoutCancel(ctx), statement)
	action.Duration = time.Since(start)
	if err != nil {
		action.Status = models.ActionFailed
		action.Error = err.Error()
		return action, err
	}

	action.Status = models.ActionSucceeded
	me.log.WithFields(logrus.Fields{
		"step":     step,
		"target":   target,
		"duration": action.Duration.String(),
	}).Debug("Maintenance statement complete")
	return action, nil
}

func qualifiedName(schema, name string) string {
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(name)
}
