package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Toss-Online-Services/pgoptimizer/src/config"
	"github.com/Toss-Online-Services/pgoptimizer/src/models"
	"github.com/Toss-Online-Services/pgoptimizer/src/output"
	"github.com/Toss-Online-Services/pgoptimizer/src/scheduler"
)

// tableQueryLength bounds statement text in table output
const tableQueryLength = 60

func newAnalyzeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Collect statistics, score the database and print the findings without changing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), g, true, nil)
			if err != nil {
				return writeFailure(cmd, g.format, "analyze", err)
			}
			defer a.Close()

			result, err := a.scheduler.Analyze(cmd.Context())
			if err != nil {
				return writeFailure(cmd, g.format, "analyze", err)
			}

			return writeSuccess(cmd, g.format, output.Success("analyze", result).WithTables(analysisTables(result)...))
		},
	}
}

func newOptimizeCmd(g *globals) *cobra.Command {
	var force, dryRun bool

	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Run one optimization cycle and exit",
		Long: "Run a single cycle: analyze, score, and apply maintenance when the score is below " +
			"the configured threshold. --force applies maintenance regardless of the score and " +
			"of the business-hours window.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), g, true, func(cfg *config.Config) {
				if dryRun {
					cfg.Optimization.DryRun = true
				}
			})
			if err != nil {
				return writeFailure(cmd, g.format, "optimize", err)
			}
			defer a.Close()

			var report *scheduler.CycleReport
			if force {
				report, err = a.scheduler.ForceCycle(cmd.Context())
			} else {
				report, err = a.scheduler.RunCycle(cmd.Context())
			}
			if err != nil {
				return writeFailure(cmd, g.format, "optimize", err)
			}

			return writeSuccess(cmd, g.format, output.Success("optimize", report).WithTables(cycleTables(report)...))
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Apply maintenance even when the score is above the threshold")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log the maintenance statements instead of executing them")

	return cmd
}

func analysisTables(result *models.PerformanceAnalysisResult) []*output.Table {
	b := result.Breakdown
	score := &output.Table{
		Title:   "Health score",
		Headers: []string{"SCORE", "SCAN RATIO", "RECOMMENDATIONS", "SLOW QUERIES", "CONNECTIONS"},
		Rows: [][]string{{
			strconv.Itoa(result.OverallScore),
			"-" + strconv.Itoa(b.ScanRatioPenalty),
			"-" + strconv.Itoa(b.RecommendationPenalty),
			"-" + strconv.Itoa(b.SlowQueryPenalty),
			"-" + strconv.Itoa(b.ConnectionPenalty),
		}},
	}

	recs := &output.Table{
		Title:   "Index recommendations",
		Headers: []string{"TYPE", "SEVERITY", "IMPACT", "TABLE", "INDEX", "DESCRIPTION"},
	}
	for _, r := range result.IndexRecommendations {
		recs.Rows = append(recs.Rows, []string{
			string(r.Type),
			string(r.Severity),
			string(r.EstimatedImpact),
			r.SchemaName + "." + r.TableName,
			r.IndexName,
			r.Description,
		})
	}

	tables := []*output.Table{score, recs}
	if !result.QueryStatsAvailable {
		return tables
	}

	slow := &output.Table{
		Title:   "Slow queries",
		Headers: []string{"CALLS", "MEAN MS", "TOTAL MS", "CACHE HIT %", "QUERY"},
	}
	for _, q := range result.SlowQueries {
		slow.Rows = append(slow.Rows, []string{
			strconv.FormatInt(q.Calls, 10),
			fmt.Sprintf("%.2f", q.MeanTimeMs),
			fmt.Sprintf("%.2f", q.TotalTimeMs),
			fmt.Sprintf("%.1f", q.CacheHitPercent),
			models.TruncateQuery(q.Query, tableQueryLength),
		})
	}
	return append(tables, slow)
}

func cycleTables(report *scheduler.CycleReport) []*output.Table {
	outcome := "optimized"
	if !report.Optimized {
		outcome = "skipped: " + report.SkipReason
	}
	summary := &output.Table{
		Title:   "Cycle",
		Headers: []string{"CYCLE", "THRESHOLD", "FORCED", "OUTCOME"},
		Rows: [][]string{{
			report.CycleID,
			strconv.Itoa(report.Threshold),
			strconv.FormatBool(report.Forced),
			outcome,
		}},
	}

	tables := []*output.Table{summary}
	if report.Analysis != nil {
		tables = append(tables, analysisTables(report.Analysis)...)
	}
	if report.Maintenance == nil {
		return tables
	}

	actions := &output.Table{
		Title:   "Maintenance",
		Headers: []string{"STEP", "TARGET", "STATUS", "DURATION", "ERROR"},
	}
	for _, act := range report.Maintenance.Actions {
		actions.Rows = append(actions.Rows, []string{
			string(act.Step),
			act.Target,
			string(act.Status),
			act.Duration.String(),
			act.Error,
		})
	}
	return append(tables, actions)
}
