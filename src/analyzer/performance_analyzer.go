package analyzer

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Toss-Online-Services/pgoptimizer/src/db"
	"github.com/Toss-Online-Services/pgoptimizer/src/models"
)

// StatisticsSource takes the database statistics snapshot
type StatisticsSource interface {
	Collect(ctx context.Context, q db.Querier) (*models.DatabaseStatistics, error)
}

// RecommendationSource produces index recommendations
type RecommendationSource interface {
	Recommend(ctx context.Context, q db.Querier) ([]models.IndexRecommendation, error)
}

// SlowQuerySource ranks statements by total execution time
type SlowQuerySource interface {
	TopSlowQueries(ctx context.Context, q db.Querier, limit int) (models.SlowQueryReport, error)
}

// Options tunes a PerformanceAnalyzer
type Options struct {
	SlowQueryLimit int
	// Parallel runs the three collection steps concurrently, each on its own
	// session lane.
	Parallel bool
}

// PerformanceAnalyzer gathers statistics, index recommendations and slow
// queries for one cycle and scores the result.
type PerformanceAnalyzer struct {
	statistics StatisticsSource
	advisor    RecommendationSource
	ranker     SlowQuerySource
	scorer     *HealthScorer
	opts       Options
	log        *logrus.Logger
	now        func() time.Time
}

// NewPerformanceAnalyzer creates a new PerformanceAnalyzer instance
func NewPerformanceAnalyzer(statistics StatisticsSource, advisor RecommendationSource, ranker SlowQuerySource, opts Options, log *logrus.Logger) *PerformanceAnalyzer {
	return &PerformanceAnalyzer{
		statistics: statistics,
		advisor:    advisor,
		ranker:     ranker,
		scorer:     NewHealthScorer(),
		opts:       opts,
		log:        log,
		now:        time.Now,
	}
}

// Analyze collects and scores in one call
func (pa *PerformanceAnalyzer) Analyze(ctx context.Context, sessions db.SessionProvider) (*models.PerformanceAnalysisResult, error) {
	result, err := pa.Collect(ctx, sessions)
	if err != nil {
		return nil, err
	}
	pa.Score(result)
	return result, nil
}

// Collect runs the three collection steps and returns an unscored result.
// Any step failing fails the whole collection.
func (pa *PerformanceAnalyzer) Collect(ctx context.Context, sessions db.SessionProvider) (*models.PerformanceAnalysisResult, error) {
	var (
		stats  *models.DatabaseStatistics
		recs   []models.IndexRecommendation
		report models.SlowQueryReport
	)

	steps := []struct {
		lane string
		run  func(ctx context.Context, q db.Querier) error
	}{
		{db.LaneStatistics, func(ctx context.Context, q db.Querier) (err error) {
			stats, err = pa.statistics.Collect(ctx, q)
			return wrapStep("collect statistics", err)
		}},
		{db.LaneIndexes, func(ctx context.Context, q db.Querier) (err error) {
			recs, err = pa.advisor.Recommend(ctx, q)
			return wrapStep("analyze indexes", err)
		}},
		{db.LaneQueries, func(ctx context.Context, q db.Querier) (err error) {
			report, err = pa.ranker.TopSlowQueries(ctx, q, pa.opts.SlowQueryLimit)
			return wrapStep("rank slow queries", err)
		}},
	}

	runStep := func(ctx context.Context, lane string, run func(context.Context, db.Querier) error) error {
		q, err := sessions.Session(ctx, lane)
		if err != nil {
			return err
		}
		return run(ctx, q)
	}

	if pa.opts.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		for _, step := range steps {
			step := step
			g.Go(func() error { return runStep(gctx, step.lane, step.run) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for _, step := range steps {
			if err := runStep(ctx, step.lane, step.run); err != nil {
				return nil, err
			}
		}
	}

	if recs == nil {
		recs = make([]models.IndexRecommendation, 0)
	}
	slow := report.Queries
	if slow == nil {
		slow = make([]models.SlowQueryAnalysis, 0)
	}

	return &models.PerformanceAnalysisResult{
		Statistics:           stats,
		IndexRecommendations: recs,
		SlowQueries:          slow,
		QueryStatsAvailable:  report.Available,
		AnalyzedAt:           pa.now(),
	}, nil
}

// Score fills in OverallScore and Breakdown
func (pa *PerformanceAnalyzer) Score(result *models.PerformanceAnalysisResult) {
	result.OverallScore, result.Breakdown = pa.scorer.Breakdown(result.Statistics, result.IndexRecommendations, result.SlowQueries)

	pa.log.WithFields(logrus.Fields{
		"score":           result.OverallScore,
		"recommendations": len(result.IndexRecommendations),
		"slow_queries":    len(result.SlowQueries),
	}).Debug("Scored analysis")
}

func wrapStep(step string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("failed to %s: %w", step, err)
}
