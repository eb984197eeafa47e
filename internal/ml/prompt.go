package ml

import (
	"fmt"
	"strings"

	"github.com/franckalain/productscan/internal/models"
)

const analysisPromptTemplate = `You are an expert system for analyzing photographs of food and cosmetic products.
Identify every product visible in the image, describe it, and classify its status from visual cues.

Watch for potential warnings: allergens, indicators of high sugar content, damaged packaging, or anything
suggesting the product is unhealthy or unsafe.

Also identify products with high nutritional value (rich in vitamins, minerals or fiber). Every component
carries a boolean "high_nutritional_value" that is true for such products and false otherwise.

Status criteria:
- "negative": a clear warning, spoiled or damaged, or generally considered unhealthy (sugary drinks, junk food).
  Explain the reason in "rationale_for_status".
- "positive": generally considered healthy (fresh fruit, vegetables).
- "neutral": standard products without strong positive or negative indicators.

"confidence" is one of "high", "medium" or "low".

Reply with a single valid JSON object that strictly follows the provided schema. The values of "status" and
"confidence" must be written exactly as listed above. All other text values must be written in %s.`

const chatPromptTemplate = `You are a virtual assistant specializing in food and cosmetic products.
Answer the user's questions only in relation to the following product analysis: %s
Be friendly and helpful, and give clear answers in %s.`

// AnalysisPrompt returns the system instruction used for structured analysis.
func AnalysisPrompt(language string) string {
	return fmt.Sprintf(analysisPromptTemplate, language)
}

// ChatPrompt embeds the serialized analysis into the chat system instruction.
func ChatPrompt(analysisContext, language string) string {
	return fmt.Sprintf(chatPromptTemplate, analysisContext, language)
}

// schemaNode is a provider-neutral description of the analysis response schema.
// Each backend converts it to its own SDK type.
type schemaNode struct {
	Kind        string // object, array, string, integer, boolean
	Description string
	Enum        []string
	Items       *schemaNode
	Properties  []schemaProperty
}

type schemaProperty struct {
	Name     string
	Node     *schemaNode
	Required bool
}

func (n *schemaNode) required() []string {
	var names []string
	for _, p := range n.Properties {
		if p.Required {
			names = append(names, p.Name)
		}
	}
	return names
}

func (n *schemaNode) ordering() []string {
	names := make([]string, 0, len(n.Properties))
	for _, p := range n.Properties {
		names = append(names, p.Name)
	}
	return names
}

func str() *schemaNode { return &schemaNode{Kind: "string"} }

func enumOf[T ~string](values []T) *schemaNode {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, string(v))
	}
	return &schemaNode{Kind: "string", Enum: out, Description: "One of: " + strings.Join(out, ", ")}
}

// analysisSchema mirrors models.AnalysisResult.
var analysisSchema = &schemaNode{
	Kind: "object",
	Properties: []schemaProperty{
		{Name: "analysis_id", Node: str()},
		{Name: "timestamp", Node: str()},
		{Name: "environment_description", Node: &schemaNode{
			Kind: "object",
			Properties: []schemaProperty{
				{Name: "overall_impression", Node: str()},
				{Name: "dominant_features", Node: &schemaNode{Kind: "array", Items: str()}},
				{Name: "notes", Node: str()},
			},
		}},
		{Name: "environmental_components", Required: true, Node: &schemaNode{
			Kind: "array",
			Items: &schemaNode{
				Kind: "object",
				Properties: []schemaProperty{
					{Name: "id", Node: str(), Required: true},
					{Name: "name", Node: str(), Required: true},
					{Name: "type", Node: str()},
					{Name: "description", Node: str()},
					{Name: "location_in_image", Node: str()},
					{Name: "status", Node: enumOf(models.Statuses), Required: true},
					{Name: "rationale_for_status", Node: str()},
					{Name: "confidence", Node: enumOf(models.Confidences), Required: true},
					{Name: "high_nutritional_value", Required: true, Node: &schemaNode{
						Kind:        "boolean",
						Description: "True if the product is identified as having high nutritional value.",
					}},
				},
			},
		}},
		{Name: "summary_of_analysis", Required: true, Node: &schemaNode{
			Kind: "object",
			Properties: []schemaProperty{
				{Name: "positive_elements_count", Node: &schemaNode{Kind: "integer"}},
				{Name: "negative_elements_count", Node: &schemaNode{Kind: "integer"}},
				{Name: "neutral_elements_count", Node: &schemaNode{Kind: "integer"}},
				{Name: "overall_assessment_notes", Node: str()},
			},
		}},
		{Name: "raw_image_data_prompt", Node: str()},
	},
}
