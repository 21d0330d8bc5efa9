// Package tips turns quality metrics into actionable improvement tips.
package tips

import (
	"fmt"

	"github.com/BTreeMap/FeatureStudio/internal/models"
)

// tipTemplate holds the fixed presentation of one criterion's tip.
type tipTemplate struct {
	id                 string
	title              string
	category           string
	defaultDescription string
}

// templates is keyed by criterion; emission order follows models.Criteria.
var templates = map[models.Criterion]tipTemplate{
	models.CriterionAlternativeScenarios: {
		id:                 "alt-scenarios",
		title:              "Improve Alternative Scenarios",
		category:           "Scenarios",
		defaultDescription: "Add more alternative scenarios to cover edge cases and different user paths.",
	},
	models.CriterionGivenWhenThen: {
		id:                 "gwt-structure",
		title:              "Enhance Given-When-Then Structure",
		category:           "Structure",
		defaultDescription: "Improve the structure and clarity of your Given-When-Then statements.",
	},
	models.CriterionSpecifications: {
		id:                 "specifications",
		title:              "Improve Specifications",
		category:           "Documentation",
		defaultDescription: "Make specifications more detailed and comprehensive.",
	},
}

// TipThreshold is the highest score that still produces a tip.
const TipThreshold = 2

// TipsFrom returns one tip per reported criterion scoring at most TipThreshold,
// in the fixed criterion order. It has no side effects.
func TipsFrom(metrics models.QualityMetrics) []models.Tip {
	tips := make([]models.Tip, 0, len(models.Criteria))
	for _, c := range models.Criteria {
		score, ok := metrics.Score(c)
		if !ok || score > TipThreshold {
			continue
		}
		tmpl := templates[c]
		description := metrics.Justification(c)
		if description == "" {
			description = tmpl.defaultDescription
		}
		tips = append(tips, models.Tip{
			ID:          tmpl.id,
			Type:        tipType(score),
			Title:       tmpl.title,
			Description: description,
			Priority:    priority(score),
			Category:    tmpl.category,
		})
	}
	return tips
}

func tipType(score float64) models.TipType {
	switch score {
	case 0:
		return models.TipTypeWarning
	case 1:
		return models.TipTypeImprovement
	case 2:
		return models.TipTypeSuggestion
	default:
		return models.TipTypeImprovement
	}
}

func priority(score float64) models.Priority {
	switch score {
	case 0, 1:
		return models.PriorityHigh
	default:
		return models.PriorityMedium
	}
}

// Find returns the tip with the given ID.
func Find(tips []models.Tip, id string) (models.Tip, bool) {
	for _, t := range tips {
		if t.ID == id {
			return t, true
		}
	}
	return models.Tip{}, false
}

// FixItPrompt builds the chat message sent when the analyst applies a tip.
func FixItPrompt(tip models.Tip) string {
	return fmt.Sprintf("Fix it %s", tip.Description)
}
