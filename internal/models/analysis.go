package models

import (
	"fmt"
	"strings"
)

// Status is the verdict the model assigns to a detected product.
type Status string

const (
	StatusPositive Status = "positive"
	StatusNegative Status = "negative"
	StatusNeutral  Status = "neutral"
)

// Statuses lists the accepted status values in schema order.
var Statuses = []Status{StatusPositive, StatusNegative, StatusNeutral}

// statusAliases maps the Hebrew labels the first version of the prompt produced.
var statusAliases = map[string]Status{
	"חיובי":  StatusPositive,
	"שלילי":  StatusNegative,
	"ניטרלי": StatusNeutral,
}

// ParseStatus matches s case-insensitively against the closed status set.
func ParseStatus(s string) (Status, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for _, st := range Statuses {
		if v == string(st) {
			return st, nil
		}
	}
	if st, ok := statusAliases[v]; ok {
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidContract, s)
}

// Confidence is how sure the model is about a detected product.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Confidences lists the accepted confidence values in schema order.
var Confidences = []Confidence{ConfidenceHigh, ConfidenceMedium, ConfidenceLow}

// ParseConfidence matches s case-insensitively against the closed confidence set.
func ParseConfidence(s string) (Confidence, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for _, c := range Confidences {
		if v == string(c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: unknown confidence %q", ErrInvalidContract, s)
}

// EnvironmentDescription is the overall impression of the photographed scene.
type EnvironmentDescription struct {
	OverallImpression string   `json:"overall_impression"`
	DominantFeatures  []string `json:"dominant_features"`
	Notes             string   `json:"notes"`
}

// Component is one product detected in the image.
type Component struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	Type                 string     `json:"type"`
	Description          string     `json:"description"`
	LocationInImage      string     `json:"location_in_image"`
	Status               Status     `json:"status"`
	RationaleForStatus   string     `json:"rationale_for_status"`
	Confidence           Confidence `json:"confidence"`
	HighNutritionalValue bool       `json:"high_nutritional_value"`
}

// Summary aggregates the component verdicts.
type Summary struct {
	PositiveElementsCount  int    `json:"positive_elements_count"`
	NegativeElementsCount  int    `json:"negative_elements_count"`
	NeutralElementsCount   int    `json:"neutral_elements_count"`
	OverallAssessmentNotes string `json:"overall_assessment_notes"`
}

// AnalysisResult is the structured output of one image analysis.
// Values are never updated in place; a new analysis yields a new result.
type AnalysisResult struct {
	AnalysisID             string                 `json:"analysis_id"`
	Timestamp              string                 `json:"timestamp"`
	EnvironmentDescription EnvironmentDescription `json:"environment_description"`
	Components             []Component            `json:"environmental_components"`
	Summary                Summary                `json:"summary_of_analysis"`
	RawImageDataPrompt     string                 `json:"raw_image_data_prompt,omitempty"`
}

// ComponentIDs returns the component identifiers in order.
func (r *AnalysisResult) ComponentIDs() []string {
	ids := make([]string, 0, len(r.Components))
	for _, c := range r.Components {
		ids = append(ids, c.ID)
	}
	return ids
}

// HasWarnings reports whether any product was flagged negative.
func (r *AnalysisResult) HasWarnings() bool {
	return r.Summary.NegativeElementsCount > 0
}
