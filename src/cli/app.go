package cli

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Toss-Online-Services/pgoptimizer/src/analyzer"
	"github.com/Toss-Online-Services/pgoptimizer/src/collector"
	"github.com/Toss-Online-Services/pgoptimizer/src/config"
	"github.com/Toss-Online-Services/pgoptimizer/src/db"
	"github.com/Toss-Online-Services/pgoptimizer/src/models"
	"github.com/Toss-Online-Services/pgoptimizer/src/optimizer"
	"github.com/Toss-Online-Services/pgoptimizer/src/scheduler"
)

// app is the fully wired engine shared by the run, analyze and optimize
// commands.
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	closeLog func() error

	engine        *db.Engine
	inspector     *collector.ServerInspector
	queryAnalyzer *analyzer.QueryAnalyzer
	scheduler     *scheduler.Scheduler
}

// newApp loads the configuration, applies adjust to it, and wires every
// component against a freshly opened connection pool.
func newApp(ctx context.Context, g *globals, foreground bool, adjust func(*config.Config)) (*app, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	if adjust != nil {
		adjust(cfg)
	}

	log, closeLog, err := newLogger(cfg.Logging, g.logLevel, foreground)
	if err != nil {
		return nil, err
	}

	engine, err := db.Open(ctx, cfg.Database, log)
	if err != nil {
		closeLog()
		return nil, err
	}

	inspector := collector.NewServerInspector(log)
	queryAnalyzer := analyzer.NewQueryAnalyzer()

	performanceAnalyzer := analyzer.NewPerformanceAnalyzer(
		collector.NewStatisticsCollector(log),
		analyzer.NewIndexAdvisor(log),
		collector.NewSlowQueryRanker(inspector, queryAnalyzer, log),
		analyzer.Options{
			SlowQueryLimit: cfg.Optimization.SlowQueryLimit,
			Parallel:       cfg.Optimization.ParallelAnalysis,
		},
		log,
	)

	executor := optimizer.NewMaintenanceExecutor(optimizer.Options{
		DryRun:                 cfg.Optimization.DryRun,
		MaxStatementsPerMinute: cfg.Optimization.MaxStatementsPerMinute,
	}, log)

	sched, err := scheduler.New(cfg.Optimization, engine, performanceAnalyzer, executor, log)
	if err != nil {
		engine.Close()
		closeLog()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &app{
		cfg:           cfg,
		log:           log,
		closeLog:      closeLog,
		engine:        engine,
		inspector:     inspector,
		queryAnalyzer: queryAnalyzer,
		scheduler:     sched,
	}, nil
}

// serverInfo inspects the server on a pooled connection
func (a *app) serverInfo(ctx context.Context) (*models.ServerInfo, error) {
	return a.inspector.Inspect(ctx, a.engine.DB())
}

func (a *app) Close() {
	if err := a.engine.Close(); err != nil {
		a.log.WithError(err).Warn("Failed to close connection pool")
	}
	a.closeLog()
}
