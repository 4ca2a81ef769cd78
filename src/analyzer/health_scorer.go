package analyzer

import (
	"github.com/Toss-Online-Services/pgoptimizer/src/models"
)

const (
	maxScore = 100

	highSeqScanRatio     = 0.3
	elevatedSeqScanRatio = 0.1

	manyRecommendations     = 5
	severalRecommendations  = 2
	slowQueryMeanMs         = 1000.0
	manySlowQueries         = 3
	severalSlowQueries      = 1
	highConnectionCount     = 80
	elevatedConnectionCount = 60
)

// HealthScorer turns a statistics snapshot, the recommendations and the
// ranked slow queries into a score between 0 and 100. It holds no state.
type HealthScorer struct{}

// NewHealthScorer creates a new HealthScorer instance
func NewHealthScorer() *HealthScorer {
	return &HealthScorer{}
}

// Score returns the clamped overall score
func (hs *HealthScorer) Score(stats *models.DatabaseStatistics, recs []models.IndexRecommendation, slow []models.SlowQueryAnalysis) int {
	score, _ := hs.Breakdown(stats, recs, slow)
	return score
}

// Breakdown returns the clamped score together with each penalty. Every
// penalty is evaluated against the same inputs, and the sum is clamped only
// once at the end.
func (hs *HealthScorer) Breakdown(stats *models.DatabaseStatistics, recs []models.IndexRecommendation, slow []models.SlowQueryAnalysis) (int, models.ScoreBreakdown) {
	b := models.ScoreBreakdown{
		ScanRatioPenalty:      scanRatioPenalty(stats),
		RecommendationPenalty: recommendationPenalty(len(recs)),
		SlowQueryPenalty:      slowQueryPenalty(slow),
		ConnectionPenalty:     connectionPenalty(stats),
	}

	score := maxScore - b.Total()
	if score < 0 {
		score = 0
	}
	if score > maxScore {
		score = maxScore
	}
	return score, b
}

func scanRatioPenalty(stats *models.DatabaseStatistics) int {
	ratio, ok := stats.SeqScanRatio()
	switch {
	case !ok:
		return 0
	case ratio > highSeqScanRatio:
		return 20
	case ratio > elevatedSeqScanRatio:
		return 10
	default:
		return 0
	}
}

func recommendationPenalty(n int) int {
	switch {
	case n > manyRecommendations:
		return 15
	case n > severalRecommendations:
		return 5
	default:
		return 0
	}
}

func slowQueryPenalty(slow []models.SlowQueryAnalysis) int {
	n := 0
	for _, q := range slow {
		if q.MeanTimeMs > slowQueryMeanMs {
			n++
		}
	}

	switch {
	case n > manySlowQueries:
		return 20
	case n > severalSlowQueries:
		return 10
	default:
		return 0
	}
}

func connectionPenalty(stats *models.DatabaseStatistics) int {
	if stats == nil {
		return 0
	}

	switch {
	case stats.TotalConnections > highConnectionCount:
		return 10
	case stats.TotalConnections > elevatedConnectionCount:
		return 5
	default:
		return 0
	}
}
