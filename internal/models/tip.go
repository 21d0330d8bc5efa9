package models

// TipType classifies an improvement tip.
type TipType string

const (
	TipTypeImprovement  TipType = "improvement"
	TipTypeWarning      TipType = "warning"
	TipTypeBestPractice TipType = "best-practice"
	TipTypeSuggestion   TipType = "suggestion"
)

// Priority ranks an improvement tip.
type Priority string

const (
	PriorityHigh   Priority = "High"
	PriorityMedium Priority = "Medium"
	PriorityLow    Priority = "Low"
)

// Tip is an actionable suggestion derived from a low-scoring criterion.
type Tip struct {
	ID          string   `json:"id"`
	Type        TipType  `json:"type"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
	Category    string   `json:"category"`
}
