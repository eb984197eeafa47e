package ml

import (
	"context"
	"fmt"

	"github.com/franckalain/productscan/internal/models"
)

// Model is the gateway to the external multimodal service.
type Model interface {
	// Load initializes the model with its configuration
	Load(ctx context.Context) error
	// Analyze extracts a structured AnalysisResult from an image
	Analyze(ctx context.Context, image models.ImageAsset) (*models.AnalysisResult, error)
	// Edit applies a free-text instruction and returns the edited image
	Edit(ctx context.Context, image models.ImageAsset, instruction string) (models.ImageAsset, error)
	// StartChat opens an externally held chat seeded with the analysis context
	StartChat(ctx context.Context, analysisContext string) (ChatSession, error)
	// Close releases the client
	Close() error
}

// ChatSession is a conversation whose history lives with the service.
// Send transmits only the new message.
type ChatSession interface {
	Send(ctx context.Context, message string) (string, error)
}

// ModelFactory creates a new model instance based on configuration
type ModelFactory interface {
	// CreateModel creates a new model instance
	CreateModel() (Model, error)
}

// Backend names accepted by NewModel.
const (
	BackendGemini = "gemini"
	BackendVertex = "vertex"
)

// NewModel creates a new model instance for the given backend. configPath
// points at an optional backend-specific config file.
func NewModel(modelType, configPath string) (Model, error) {
	var factory ModelFactory

	switch modelType {
	case BackendGemini, "":
		config := GeminiConfig{
			BaseConfig: BaseConfig{
				ConfigPath: configPath,
			},
		}
		if err := config.Load(); err != nil {
			return nil, fmt.Errorf("failed to load Gemini config: %w", err)
		}
		factory = NewGeminiModelFactory(config)
	case BackendVertex:
		config := VertexConfig{
			BaseConfig: BaseConfig{
				ConfigPath: configPath,
			},
		}
		if err := config.Load(); err != nil {
			return nil, fmt.Errorf("failed to load Vertex config: %w", err)
		}
		factory = NewVertexModelFactory(config)
	default:
		return nil, fmt.Errorf("unsupported model type: %s", modelType)
	}
	return factory.CreateModel()
}
