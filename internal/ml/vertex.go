package ml

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	vertexai "cloud.google.com/go/vertexai/genai"
	"github.com/franckalain/productscan/internal/models"
	"google.golang.org/api/option"
)

// VertexConfig holds configuration for the Vertex AI backend
type VertexConfig struct {
	BaseConfig      `yaml:",inline"`
	ProjectID       string `json:"project_id" yaml:"project_id"`
	Location        string `json:"location" yaml:"location"`
	CredentialsFile string `json:"credentials_file" yaml:"credentials_file"`
	AnalysisModel   string `json:"analysis_model" yaml:"analysis_model"`
	ChatModel       string `json:"chat_model" yaml:"chat_model"`
	Language        string `json:"language" yaml:"language"`
}

// Load loads the Vertex configuration
func (c *VertexConfig) Load() error {
	if err := c.LoadConfig(c.ConfigPath, "vertex", c); err != nil {
		return err
	}

	// Fall back to environment variables if not set
	if c.ProjectID == "" {
		c.ProjectID = os.Getenv("GOOGLE_PROJECT_ID")
	}
	if c.Location == "" {
		c.Location = os.Getenv("GOOGLE_LOCATION")
	}
	if c.CredentialsFile == "" {
		c.CredentialsFile = os.Getenv("GOOGLE_CREDENTIALS_FILE")
	}
	if c.Language == "" {
		c.Language = os.Getenv("PRODUCTSCAN_LANGUAGE")
	}
	c.applyDefaults()
	return nil
}

func (c *VertexConfig) applyDefaults() {
	if c.AnalysisModel == "" {
		c.AnalysisModel = DefaultAnalysisModel
	}
	if c.ChatModel == "" {
		c.ChatModel = DefaultChatModel
	}
	if c.Location == "" {
		c.Location = "us-central1"
	}
	if c.Language == "" {
		c.Language = DefaultLanguage
	}
}

// VertexModel implements the Model interface for Google's Vertex AI.
// The Vertex SDK has no image output, so Edit always fails.
type VertexModel struct {
	config VertexConfig
	client *vertexai.Client
}

// VertexModelFactory implements ModelFactory for Vertex models
type VertexModelFactory struct {
	config VertexConfig
}

// NewVertexModelFactory creates a new Vertex model factory
func NewVertexModelFactory(config VertexConfig) *VertexModelFactory {
	return &VertexModelFactory{config: config}
}

// CreateModel creates a new Vertex model instance
func (f *VertexModelFactory) CreateModel() (Model, error) {
	config := f.config
	config.applyDefaults()
	return &VertexModel{config: config}, nil
}

// Load initializes the Vertex client
func (m *VertexModel) Load(ctx context.Context) error {
	if m.config.ProjectID == "" {
		return errors.New("vertex project id is not set")
	}

	opts := []option.ClientOption{}
	if m.config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(m.config.CredentialsFile))
	}

	client, err := vertexai.NewClient(ctx, m.config.ProjectID, m.config.Location, opts...)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	m.client = client
	return nil
}

// Close closes the Vertex client.
func (m *VertexModel) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

// Analyze runs the structured analysis on Vertex AI.
func (m *VertexModel) Analyze(ctx context.Context, image models.ImageAsset) (*models.AnalysisResult, error) {
	const op = "vertex.Analyze"
	if m.client == nil {
		return nil, models.WrapError(models.ErrAnalysis, op, errors.New("model not loaded"))
	}
	if image.Empty() {
		return nil, models.WrapError(models.ErrAnalysis, op, fmt.Errorf("%w: empty image", models.ErrInvalidInput))
	}

	model := m.client.GenerativeModel(m.config.AnalysisModel)
	model.SystemInstruction = &vertexai.Content{
		Parts: []vertexai.Part{vertexai.Text(AnalysisPrompt(m.config.Language))},
	}
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = vertexSchema(analysisSchema)

	resp, err := model.GenerateContent(ctx, vertexai.Blob{MIMEType: image.MediaType, Data: image.Data})
	if err != nil {
		return nil, models.WrapError(models.ErrAnalysis, op, fmt.Errorf("failed to call ai: %w", err))
	}

	text := vertexText(resp)
	if strings.TrimSpace(text) == "" {
		return nil, models.WrapError(models.ErrAnalysis, op, errors.New("no content in response"))
	}

	result, err := models.ParseAnalysis(text)
	if err != nil {
		return nil, models.WrapError(models.ErrAnalysis, op, err)
	}
	return result, nil
}

// Edit is not available on this backend.
func (m *VertexModel) Edit(ctx context.Context, image models.ImageAsset, instruction string) (models.ImageAsset, error) {
	return models.ImageAsset{}, models.WrapError(models.ErrEdit, "vertex.Edit", errors.New("image editing is not supported by the vertex backend"))
}

// StartChat opens a Vertex chat session seeded with the analysis.
func (m *VertexModel) StartChat(ctx context.Context, analysisContext string) (ChatSession, error) {
	const op = "vertex.StartChat"
	if m.client == nil {
		return nil, models.WrapError(models.ErrChat, op, errors.New("model not loaded"))
	}
	if strings.TrimSpace(analysisContext) == "" {
		return nil, models.WrapError(models.ErrChat, op, fmt.Errorf("%w: empty analysis context", models.ErrInvalidInput))
	}

	model := m.client.GenerativeModel(m.config.ChatModel)
	model.SystemInstruction = &vertexai.Content{
		Parts: []vertexai.Part{vertexai.Text(ChatPrompt(analysisContext, m.config.Language))},
	}
	return newVertexChat(model.StartChat()), nil
}

// vertexChat wraps the SDK chat session. The SDK records the user turn before
// calling the API, so a failed exchange is trimmed back out of History to keep
// turns alternating.
type vertexChat struct {
	mu      sync.Mutex
	session *vertexai.ChatSession
	send    func(ctx context.Context, parts ...vertexai.Part) (*vertexai.GenerateContentResponse, error)
}

func newVertexChat(session *vertexai.ChatSession) *vertexChat {
	return &vertexChat{session: session, send: session.SendMessage}
}

func (c *vertexChat) Send(ctx context.Context, message string) (string, error) {
	const op = "vertex.Chat"
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.session.History)
	resp, err := c.send(ctx, vertexai.Text(message))
	if err != nil {
		c.session.History = c.session.History[:n]
		return "", models.WrapError(models.ErrChat, op, err)
	}
	text := vertexText(resp)
	if strings.TrimSpace(text) == "" {
		c.session.History = c.session.History[:n]
		return "", models.WrapError(models.ErrChat, op, errors.New("empty reply from model"))
	}
	return text, nil
}

func vertexText(resp *vertexai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if t, ok := part.(vertexai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	return sb.String()
}

func vertexSchema(n *schemaNode) *vertexai.Schema {
	if n == nil {
		return nil
	}
	s := &vertexai.Schema{
		Description: n.Description,
		Enum:        n.Enum,
	}
	switch n.Kind {
	case "object":
		s.Type = vertexai.TypeObject
		s.Properties = make(map[string]*vertexai.Schema, len(n.Properties))
		for _, p := range n.Properties {
			s.Properties[p.Name] = vertexSchema(p.Node)
		}
		s.Required = n.required()
	case "array":
		s.Type = vertexai.TypeArray
		s.Items = vertexSchema(n.Items)
	case "integer":
		s.Type = vertexai.TypeInteger
	case "boolean":
		s.Type = vertexai.TypeBoolean
	default:
		s.Type = vertexai.TypeString
	}
	return s
}
