package models

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
)

// Criterion is one scored aspect of a feature document.
type Criterion string

const (
	CriterionAlternativeScenarios Criterion = "alternative scenarios"
	CriterionGivenWhenThen        Criterion = "given-when-then"
	CriterionSpecifications       Criterion = "specifications"
)

// Score bounds used by the external scorer.
const (
	MinCriterionScore = 0
	MaxCriterionScore = 3
	MaxOverallScore   = 9
)

// OverallKey is the wire name of the overall score.
const OverallKey = "overall"

// Criteria lists the scored criteria in their fixed display order.
var Criteria = []Criterion{
	CriterionAlternativeScenarios,
	CriterionGivenWhenThen,
	CriterionSpecifications,
}

// JustificationKey returns the wire name of the criterion's justification field.
func (c Criterion) JustificationKey() string {
	return string(c) + " justification"
}

// QualityMetrics is the scored assessment of a feature document.
// Only criteria present on the wire are present in the maps, which is what makes
// Merge a shallow merge rather than a reset.
type QualityMetrics struct {
	Scores         map[Criterion]float64
	Justifications map[Criterion]string
	Overall        *float64
}

// Score returns the score of a criterion and whether it was reported.
func (q QualityMetrics) Score(c Criterion) (float64, bool) {
	v, ok := q.Scores[c]
	return v, ok
}

// Justification returns the justification of a criterion, or "" if none was reported.
func (q QualityMetrics) Justification(c Criterion) string {
	return q.Justifications[c]
}

// IsEmpty reports whether no score, justification or overall value is present.
func (q QualityMetrics) IsEmpty() bool {
	return len(q.Scores) == 0 && len(q.Justifications) == 0 && q.Overall == nil
}

// Merge returns a copy of q with every field present in update replacing q's value.
func (q QualityMetrics) Merge(update QualityMetrics) QualityMetrics {
	out := QualityMetrics{
		Scores:         make(map[Criterion]float64, len(Criteria)),
		Justifications: make(map[Criterion]string, len(Criteria)),
		Overall:        q.Overall,
	}
	maps.Copy(out.Scores, q.Scores)
	maps.Copy(out.Justifications, q.Justifications)
	maps.Copy(out.Scores, update.Scores)
	maps.Copy(out.Justifications, update.Justifications)
	if update.Overall != nil {
		v := *update.Overall
		out.Overall = &v
	}
	return out
}

// OverallLabel renders the overall score as "n/9".
func (q QualityMetrics) OverallLabel() string {
	overall := 0.0
	if q.Overall != nil {
		overall = *q.Overall
	}
	return fmt.Sprintf("%s/%d", strconv.FormatFloat(overall, 'f', -1, 64), MaxOverallScore)
}

// ScoreLabel converts a criterion score into the label shown next to it.
func ScoreLabel(score float64) string {
	switch score {
	case 0:
		return "Bad"
	case 1:
		return "Needs Work"
	case 2:
		return "Moderate"
	case 3:
		return "Good"
	default:
		return "Unknown"
	}
}

// ScoreLabels returns the label of every scored criterion.
func (q QualityMetrics) ScoreLabels() map[Criterion]string {
	labels := make(map[Criterion]string, len(q.Scores))
	for c, v := range q.Scores {
		labels[c] = ScoreLabel(v)
	}
	return labels
}

// MarshalJSON writes the flat wire format used by the scorer and the metrics channel.
func (q QualityMetrics) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, 2*len(Criteria)+1)
	for c, v := range q.Scores {
		flat[string(c)] = v
	}
	for c, v := range q.Justifications {
		flat[c.JustificationKey()] = v
	}
	if q.Overall != nil {
		flat[OverallKey] = *q.Overall
	}
	return json.Marshal(flat)
}

// UnmarshalJSON reads the flat wire format. Unknown keys (timestamp, sessionId, ...)
// are ignored, and non-numeric scores are treated as absent.
func (q *QualityMetrics) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetrics, err)
	}
	if raw == nil {
		return ErrInvalidMetrics
	}

	out := QualityMetrics{
		Scores:         make(map[Criterion]float64, len(Criteria)),
		Justifications: make(map[Criterion]string, len(Criteria)),
	}
	for _, c := range Criteria {
		if v, ok := raw[string(c)]; ok {
			var score float64
			if err := json.Unmarshal(v, &score); err == nil {
				out.Scores[c] = score
			}
		}
		if v, ok := raw[c.JustificationKey()]; ok {
			var text string
			if err := json.Unmarshal(v, &text); err == nil {
				out.Justifications[c] = text
			}
		}
	}
	if v, ok := raw[OverallKey]; ok {
		var overall float64
		if err := json.Unmarshal(v, &overall); err == nil {
			out.Overall = &overall
		}
	}
	*q = out
	return nil
}
