package models

// RecommendationType classifies an index recommendation
type RecommendationType string

const (
	RecommendationMissingIndex   RecommendationType = "MissingIndex"
	RecommendationUnusedIndex    RecommendationType = "UnusedIndex"
	RecommendationDuplicateIndex RecommendationType = "DuplicateIndex"
	RecommendationPartialIndex   RecommendationType = "PartialIndex"
)

// Severity represents how urgent a recommendation is
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// Impact is the expected benefit of acting on a recommendation
type Impact string

const (
	ImpactLow    Impact = "Low"
	ImpactMedium Impact = "Medium"
	ImpactHigh   Impact = "High"
)

// IndexRecommendation is produced fresh by every analysis cycle and never
// persisted.
type IndexRecommendation struct {
	SchemaName         string             `json:"schema_name" yaml:"schema_name"`
	TableName          string             `json:"table_name" yaml:"table_name"`
	IndexName          string             `json:"index_name,omitempty" yaml:"index_name,omitempty"`
	Type               RecommendationType `json:"type" yaml:"type"`
	Severity           Severity           `json:"severity" yaml:"severity"`
	Description        string             `json:"description" yaml:"description"`
	EstimatedImpact    Impact             `json:"estimated_impact" yaml:"estimated_impact"`
	SuggestedStatement string             `json:"suggested_statement" yaml:"suggested_statement"`
}
