package ml

import (
	"context"
	"log/slog"
	"time"

	"github.com/franckalain/productscan/internal/models"
)

// Recorder receives one observation per gateway call.
type Recorder interface {
	ObserveCall(operation, outcome string, duration time.Duration)
}

// Call outcomes reported to the Recorder.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

type instrumented struct {
	next    Model
	backend string
	rec     Recorder
	logger  *slog.Logger
}

// Instrument wraps a Model so every call is logged and recorded.
// A nil recorder or logger is allowed.
func Instrument(next Model, backend string, rec Recorder, logger *slog.Logger) Model {
	if logger == nil {
		logger = slog.Default()
	}
	return &instrumented{next: next, backend: backend, rec: rec, logger: logger}
}

func (i *instrumented) Load(ctx context.Context) error {
	return i.next.Load(ctx)
}

func (i *instrumented) Close() error {
	return i.next.Close()
}

func (i *instrumented) Analyze(ctx context.Context, image models.ImageAsset) (*models.AnalysisResult, error) {
	i.logger.Debug("starting analysis",
		"backend", i.backend,
		"image_size", len(image.Data),
		"media_type", image.MediaType,
	)

	start := time.Now()
	result, err := i.next.Analyze(ctx, image)
	if err != nil {
		i.observe("analyze", start, err)
		return nil, err
	}
	i.observe("analyze", start, nil,
		"components", len(result.Components),
		"negative", result.Summary.NegativeElementsCount,
	)
	return result, nil
}

func (i *instrumented) Edit(ctx context.Context, image models.ImageAsset, instruction string) (models.ImageAsset, error) {
	i.logger.Debug("starting image edit",
		"backend", i.backend,
		"instruction_length", len(instruction),
		"image_size", len(image.Data),
	)

	start := time.Now()
	edited, err := i.next.Edit(ctx, image, instruction)
	if err != nil {
		i.observe("edit", start, err)
		return models.ImageAsset{}, err
	}
	i.observe("edit", start, nil, "result_size", len(edited.Data))
	return edited, nil
}

func (i *instrumented) StartChat(ctx context.Context, analysisContext string) (ChatSession, error) {
	start := time.Now()
	session, err := i.next.StartChat(ctx, analysisContext)
	i.observe("start_chat", start, err)
	if err != nil {
		return nil, err
	}
	return &instrumentedChat{next: session, parent: i}, nil
}

type instrumentedChat struct {
	next   ChatSession
	parent *instrumented
}

func (c *instrumentedChat) Send(ctx context.Context, message string) (string, error) {
	start := time.Now()
	reply, err := c.next.Send(ctx, message)
	if err != nil {
		c.parent.observe("chat", start, err)
		return "", err
	}
	c.parent.observe("chat", start, nil, "reply_length", len(reply))
	return reply, nil
}

func (i *instrumented) observe(operation string, start time.Time, err error, attrs ...any) {
	duration := time.Since(start)
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	if i.rec != nil {
		i.rec.ObserveCall(operation, outcome, duration)
	}

	logAttrs := append([]any{
		"backend", i.backend,
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	}, attrs...)
	if err != nil {
		i.logger.Error("gateway call failed", append(logAttrs, "error", err.Error())...)
		return
	}
	i.logger.Info("gateway call completed", logAttrs...)
}
