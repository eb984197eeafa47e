package ml

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/franckalain/productscan/internal/models"
	"google.golang.org/genai"
)

// Default Gemini model names.
const (
	DefaultAnalysisModel = "gemini-2.5-pro"
	DefaultEditModel     = "gemini-2.5-flash-image"
	DefaultChatModel     = "gemini-2.5-pro"
	DefaultLanguage      = "English"
)

// GeminiConfig holds configuration for the Gemini API backend
type GeminiConfig struct {
	BaseConfig    `yaml:",inline"`
	APIKey        string `json:"api_key" yaml:"api_key"`
	BaseURL       string `json:"base_url" yaml:"base_url"`
	AnalysisModel string `json:"analysis_model" yaml:"analysis_model"`
	EditModel     string `json:"edit_model" yaml:"edit_model"`
	ChatModel     string `json:"chat_model" yaml:"chat_model"`
	Language      string `json:"language" yaml:"language"`
}

// Load loads the Gemini configuration
func (c *GeminiConfig) Load() error {
	if err := c.LoadConfig(c.ConfigPath, "gemini", c); err != nil {
		return err
	}

	// Fall back to environment variables if not set
	if c.APIKey == "" {
		c.APIKey = envFirst("GEMINI_API_KEY", "GOOGLE_API_KEY", "API_KEY")
	}
	if c.BaseURL == "" {
		c.BaseURL = envFirst("GEMINI_BASE_URL")
	}
	if c.AnalysisModel == "" {
		c.AnalysisModel = envFirst("GEMINI_ANALYSIS_MODEL")
	}
	if c.EditModel == "" {
		c.EditModel = envFirst("GEMINI_EDIT_MODEL")
	}
	if c.ChatModel == "" {
		c.ChatModel = envFirst("GEMINI_CHAT_MODEL")
	}
	if c.Language == "" {
		c.Language = envFirst("PRODUCTSCAN_LANGUAGE")
	}
	c.applyDefaults()
	return nil
}

func (c *GeminiConfig) applyDefaults() {
	if c.AnalysisModel == "" {
		c.AnalysisModel = DefaultAnalysisModel
	}
	if c.EditModel == "" {
		c.EditModel = DefaultEditModel
	}
	if c.ChatModel == "" {
		c.ChatModel = DefaultChatModel
	}
	if c.Language == "" {
		c.Language = DefaultLanguage
	}
}

// GeminiModel implements the Model interface for the Gemini API
type GeminiModel struct {
	config GeminiConfig
	client *genai.Client
}

// GeminiModelFactory implements ModelFactory for Gemini models
type GeminiModelFactory struct {
	config GeminiConfig
}

// NewGeminiModelFactory creates a new Gemini model factory
func NewGeminiModelFactory(config GeminiConfig) *GeminiModelFactory {
	return &GeminiModelFactory{config: config}
}

// CreateModel creates a new Gemini model instance
func (f *GeminiModelFactory) CreateModel() (Model, error) {
	config := f.config
	config.applyDefaults()
	return &GeminiModel{config: config}, nil
}

// Load initializes the Gemini client
func (m *GeminiModel) Load(ctx context.Context) error {
	if m.config.APIKey == "" {
		return errors.New("gemini api key is not set")
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  m.config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if m.config.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: m.config.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return fmt.Errorf("failed to create Gemini client: %w", err)
	}
	m.client = client
	return nil
}

// Close releases any resources held by the model.
func (m *GeminiModel) Close() error {
	// The genai.Client doesn't require explicit closing
	return nil
}

// Analyze asks the analysis model for a schema-constrained JSON description of the image.
func (m *GeminiModel) Analyze(ctx context.Context, image models.ImageAsset) (*models.AnalysisResult, error) {
	const op = "gemini.Analyze"
	if m.client == nil {
		return nil, models.WrapError(models.ErrAnalysis, op, errors.New("model not loaded"))
	}
	if image.Empty() {
		return nil, models.WrapError(models.ErrAnalysis, op, fmt.Errorf("%w: empty image", models.ErrInvalidInput))
	}

	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{imagePart(image)},
	}}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(AnalysisPrompt(m.config.Language), genai.RoleUser),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    geminiSchema(analysisSchema),
	}

	resp, err := m.client.Models.GenerateContent(ctx, m.config.AnalysisModel, contents, cfg)
	if err != nil {
		return nil, models.WrapError(models.ErrAnalysis, op, describeAPIError(err, m.config.AnalysisModel))
	}

	text, _ := responseParts(resp)
	if strings.TrimSpace(text) == "" {
		return nil, models.WrapError(models.ErrAnalysis, op, errors.New("empty response from model"))
	}

	result, err := models.ParseAnalysis(text)
	if err != nil {
		return nil, models.WrapError(models.ErrAnalysis, op, err)
	}
	return result, nil
}

// Edit sends the image followed by the instruction and returns the first image in the reply.
func (m *GeminiModel) Edit(ctx context.Context, image models.ImageAsset, instruction string) (models.ImageAsset, error) {
	const op = "gemini.Edit"
	if m.client == nil {
		return models.ImageAsset{}, models.WrapError(models.ErrEdit, op, errors.New("model not loaded"))
	}
	if strings.TrimSpace(instruction) == "" {
		return models.ImageAsset{}, models.WrapError(models.ErrEdit, op, fmt.Errorf("%w: empty instruction", models.ErrInvalidInput))
	}

	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			imagePart(image),
			{Text: instruction},
		},
	}}
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE"},
	}

	resp, err := m.client.Models.GenerateContent(ctx, m.config.EditModel, contents, cfg)
	if err != nil {
		return models.ImageAsset{}, models.WrapError(models.ErrEdit, op, describeAPIError(err, m.config.EditModel))
	}

	_, blob := responseParts(resp)
	if blob == nil {
		return models.ImageAsset{}, models.WrapError(models.ErrEdit, op, errors.New("no image in response"))
	}

	mediaType := blob.MIMEType
	if mediaType == "" {
		mediaType = image.MediaType
	}
	edited, err := models.DecodeImage(blob.Data, mediaType)
	if err != nil {
		return models.ImageAsset{}, models.WrapError(models.ErrEdit, op, err)
	}
	return edited, nil
}

// StartChat creates a chat whose system instruction embeds the analysis.
func (m *GeminiModel) StartChat(ctx context.Context, analysisContext string) (ChatSession, error) {
	const op = "gemini.StartChat"
	if m.client == nil {
		return nil, models.WrapError(models.ErrChat, op, errors.New("model not loaded"))
	}
	if strings.TrimSpace(analysisContext) == "" {
		return nil, models.WrapError(models.ErrChat, op, fmt.Errorf("%w: empty analysis context", models.ErrInvalidInput))
	}

	return &geminiChat{
		client: m.client,
		model:  m.config.ChatModel,
		config: &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(ChatPrompt(analysisContext, m.config.Language), genai.RoleUser),
		},
	}, nil
}

// geminiChat keeps the provider-side history of one conversation.
type geminiChat struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig

	mu       sync.Mutex
	contents []*genai.Content
}

// Send appends the user message to the history and returns the model's text reply.
// A failed exchange leaves the history unchanged.
func (c *geminiChat) Send(ctx context.Context, message string) (string, error) {
	const op = "gemini.Chat"
	c.mu.Lock()
	defer c.mu.Unlock()

	userContent := &genai.Content{
		Role:  "user",
		Parts: []*genai.Part{{Text: message}},
	}
	contents := append(c.contents[:len(c.contents):len(c.contents)], userContent)

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, c.config)
	if err != nil {
		return "", models.WrapError(models.ErrChat, op, describeAPIError(err, c.model))
	}

	text, _ := responseParts(resp)
	if strings.TrimSpace(text) == "" {
		return "", models.WrapError(models.ErrChat, op, errors.New("empty reply from model"))
	}

	contents = append(contents, &genai.Content{
		Role:  "model",
		Parts: []*genai.Part{{Text: text}},
	})
	c.contents = contents
	return text, nil
}

func imagePart(image models.ImageAsset) *genai.Part {
	return &genai.Part{
		InlineData: &genai.Blob{
			Data:     image.Data,
			MIMEType: image.MediaType,
		},
	}
}

// responseParts concatenates the non-thought text of the first candidate and
// returns its first inline image, if any.
func responseParts(resp *genai.GenerateContentResponse) (string, *genai.Blob) {
	if resp == nil {
		return "", nil
	}

	var sb strings.Builder
	var blob *genai.Blob
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			sb.WriteString(part.Text)
			if blob == nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				blob = part.InlineData
			}
		}
		break
	}
	return sb.String(), blob
}

// describeAPIError adds the model and status code to errors returned by the API.
func describeAPIError(err error, model string) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.Code == 429 || apiErr.Status == "RESOURCE_EXHAUSTED" {
		return fmt.Errorf("rate limited by %s: %w", model, err)
	}
	return fmt.Errorf("%s returned %d %s: %w", model, apiErr.Code, apiErr.Status, err)
}

func geminiSchema(n *schemaNode) *genai.Schema {
	if n == nil {
		return nil
	}
	s := &genai.Schema{
		Description: n.Description,
		Enum:        n.Enum,
	}
	switch n.Kind {
	case "object":
		s.Type = genai.TypeObject
		s.Properties = make(map[string]*genai.Schema, len(n.Properties))
		for _, p := range n.Properties {
			s.Properties[p.Name] = geminiSchema(p.Node)
		}
		s.Required = n.required()
		s.PropertyOrdering = n.ordering()
	case "array":
		s.Type = genai.TypeArray
		s.Items = geminiSchema(n.Items)
	case "integer":
		s.Type = genai.TypeInteger
	case "boolean":
		s.Type = genai.TypeBoolean
	default:
		s.Type = genai.TypeString
	}
	return s
}
