package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Placeholders used when the model omits free-text fields.
const (
	NoImpression      = "No overall description available."
	NoAssessmentNotes = "No summary notes available."
)

// wire mirrors AnalysisResult with every field optional so that absence can be
// told apart from zero values.
type wire struct {
	AnalysisID             *string `json:"analysis_id"`
	Timestamp              *string `json:"timestamp"`
	EnvironmentDescription *struct {
		OverallImpression *string  `json:"overall_impression"`
		DominantFeatures  []string `json:"dominant_features"`
		Notes             *string  `json:"notes"`
	} `json:"environment_description"`
	Components []wireComponent `json:"environmental_components"`
	Summary    *struct {
		PositiveElementsCount  *int    `json:"positive_elements_count"`
		NegativeElementsCount  *int    `json:"negative_elements_count"`
		NeutralElementsCount   *int    `json:"neutral_elements_count"`
		OverallAssessmentNotes *string `json:"overall_assessment_notes"`
	} `json:"summary_of_analysis"`
	RawImageDataPrompt *string `json:"raw_image_data_prompt"`
}

type wireComponent struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	Type                 string `json:"type"`
	Description          string `json:"description"`
	LocationInImage      string `json:"location_in_image"`
	Status               string `json:"status"`
	RationaleForStatus   string `json:"rationale_for_status"`
	Confidence           string `json:"confidence"`
	HighNutritionalValue bool   `json:"high_nutritional_value"`
}

// StripCodeFence removes a markdown code fence (``` or ```json) around text.
func StripCodeFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop the info string (json, JSON, ...)
		if info := strings.TrimSpace(s[:nl]); !strings.ContainsAny(info, "{[") {
			s = s[nl+1:]
		}
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ParseAnalysis decodes model output into an AnalysisResult.
//
// Missing optional fields get defaults: a fresh id, the current time, empty
// slices, zero counts and placeholder descriptions. Status and confidence are
// strict; values outside their sets fail with ErrInvalidContract, as do
// negative counts.
func ParseAnalysis(text string) (*AnalysisResult, error) {
	body := StripCodeFence(text)
	if body == "" {
		return nil, fmt.Errorf("%w: empty response", ErrInvalidContract)
	}
	if body[0] != '{' {
		return nil, fmt.Errorf("%w: response is not a JSON object", ErrInvalidContract)
	}

	var w wire
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidContract, err)
	}

	res := &AnalysisResult{
		AnalysisID: deref(w.AnalysisID),
		Timestamp:  deref(w.Timestamp),
		EnvironmentDescription: EnvironmentDescription{
			DominantFeatures: []string{},
		},
		Components:         make([]Component, 0, len(w.Components)),
		RawImageDataPrompt: deref(w.RawImageDataPrompt),
	}
	if strings.TrimSpace(res.AnalysisID) == "" {
		res.AnalysisID = uuid.NewString()
	}
	if strings.TrimSpace(res.Timestamp) == "" {
		res.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	if env := w.EnvironmentDescription; env != nil {
		res.EnvironmentDescription.OverallImpression = deref(env.OverallImpression)
		res.EnvironmentDescription.Notes = deref(env.Notes)
		if env.DominantFeatures != nil {
			res.EnvironmentDescription.DominantFeatures = env.DominantFeatures
		}
	}
	if strings.TrimSpace(res.EnvironmentDescription.OverallImpression) == "" {
		res.EnvironmentDescription.OverallImpression = NoImpression
	}

	for i, wc := range w.Components {
		c, err := wc.toComponent(i)
		if err != nil {
			return nil, err
		}
		res.Components = append(res.Components, c)
	}

	if s := w.Summary; s != nil {
		res.Summary = Summary{
			PositiveElementsCount:  derefInt(s.PositiveElementsCount),
			NegativeElementsCount:  derefInt(s.NegativeElementsCount),
			NeutralElementsCount:   derefInt(s.NeutralElementsCount),
			OverallAssessmentNotes: deref(s.OverallAssessmentNotes),
		}
	}
	if strings.TrimSpace(res.Summary.OverallAssessmentNotes) == "" {
		res.Summary.OverallAssessmentNotes = NoAssessmentNotes
	}
	if err := res.Summary.validate(); err != nil {
		return nil, err
	}

	return res, nil
}

func (wc wireComponent) toComponent(index int) (Component, error) {
	status, err := ParseStatus(wc.Status)
	if err != nil {
		return Component{}, fmt.Errorf("component %d: %w", index, err)
	}
	confidence, err := ParseConfidence(wc.Confidence)
	if err != nil {
		return Component{}, fmt.Errorf("component %d: %w", index, err)
	}

	id := strings.TrimSpace(wc.ID)
	if id == "" {
		id = fmt.Sprintf("component-%d", index+1)
	}

	return Component{
		ID:                   id,
		Name:                 wc.Name,
		Type:                 wc.Type,
		Description:          wc.Description,
		LocationInImage:      wc.LocationInImage,
		Status:               status,
		RationaleForStatus:   wc.RationaleForStatus,
		Confidence:           confidence,
		HighNutritionalValue: wc.HighNutritionalValue,
	}, nil
}

func (s Summary) validate() error {
	counts := map[string]int{
		"positive_elements_count": s.PositiveElementsCount,
		"negative_elements_count": s.NegativeElementsCount,
		"neutral_elements_count":  s.NeutralElementsCount,
	}
	for field, n := range counts {
		if n < 0 {
			return fmt.Errorf("%w: %s is negative (%d)", ErrInvalidContract, field, n)
		}
	}
	return nil
}

// ContextText serializes a result for seeding a conversation.
// ParseAnalysis(ContextText(r)) yields the same component identifiers.
func ContextText(r *AnalysisResult) (string, error) {
	if r == nil {
		return "", fmt.Errorf("%w: nil analysis result", ErrInvalidInput)
	}
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal analysis: %w", err)
	}
	return string(b), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}
