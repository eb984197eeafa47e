package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/franckalain/productscan/internal/ml"
	"github.com/franckalain/productscan/internal/models"
)

// Observer is notified of every state change. It is called with the
// machine lock held and must not call back into the machine.
type Observer func(from, to State)

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the machine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver registers a transition observer.
func WithObserver(o Observer) Option {
	return func(m *Machine) {
		m.observer = o
	}
}

// WithCallHook registers fn to run, without the lock held, just before each
// edit or analysis call is sent to the gateway.
func WithCallHook(fn func()) Option {
	return func(m *Machine) {
		m.callHook = fn
	}
}

// Machine drives one user session through upload, editing, analysis and chat.
//
// Gateway calls run without the lock held. Every Cancel or Reset bumps the
// epoch, and a call that returns under an older epoch is discarded with ErrStale.
type Machine struct {
	model    ml.Model
	logger   *slog.Logger
	observer Observer
	callHook func()

	mu           sync.Mutex
	state        State
	asset        models.ImageAsset
	edits        int
	result       *models.AnalysisResult
	conversation *Conversation
	lastErr      string
	busy         bool
	epoch        uint64
}

// NewMachine returns a machine in AwaitingImage.
func NewMachine(model ml.Model, opts ...Option) *Machine {
	m := &Machine{
		model:  model,
		logger: slog.Default(),
		state:  AwaitingImage,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SelectImage validates raw image bytes and enters EditingImage.
// An unreadable image leaves the machine in AwaitingImage with last-error set.
func (m *Machine) SelectImage(data []byte, declaredType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != AwaitingImage {
		return m.invalid("select_image")
	}

	asset, err := models.DecodeImage(data, declaredType)
	if err != nil {
		m.lastErr = MsgImageRead
		m.logger.Debug("image rejected", "error", err.Error(), "size", len(data))
		return err
	}

	m.asset = asset
	m.edits = 0
	m.lastErr = ""
	m.transition(EditingImage)
	return nil
}

// Edit replaces the current image with the gateway's edit of it.
// On failure the image is unchanged and last-error is set.
func (m *Machine) Edit(ctx context.Context, instruction string) error {
	instruction = strings.TrimSpace(instruction)

	m.mu.Lock()
	if m.state != EditingImage {
		err := m.invalid("edit")
		m.mu.Unlock()
		return err
	}
	if m.busy {
		m.mu.Unlock()
		return ErrBusy
	}
	if instruction == "" {
		m.mu.Unlock()
		return models.WrapError(models.ErrEdit, "session.Edit", fmt.Errorf("%w: empty instruction", models.ErrInvalidInput))
	}
	m.busy = true
	m.lastErr = ""
	epoch := m.epoch
	asset := m.asset
	m.mu.Unlock()
	m.beforeCall()

	edited, err := m.model.Edit(ctx, asset, instruction)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		m.logger.Debug("discarding stale edit result")
		return ErrStale
	}
	m.busy = false
	if err != nil {
		m.lastErr = MsgEdit
		return err
	}
	m.asset = edited
	m.edits++
	return nil
}

// Analyze submits the current image. Success enters ResultsReady with a
// seeded conversation; failure returns to AwaitingImage and drops the image.
func (m *Machine) Analyze(ctx context.Context) error {
	m.mu.Lock()
	if m.state != EditingImage {
		err := m.invalid("analyze")
		m.mu.Unlock()
		return err
	}
	if m.busy {
		m.mu.Unlock()
		return ErrBusy
	}
	m.busy = true
	m.lastErr = ""
	epoch := m.epoch
	asset := m.asset
	m.transition(AnalysisPending)
	m.mu.Unlock()
	m.beforeCall()

	result, err := m.model.Analyze(ctx, asset)

	var conversation *Conversation
	if err == nil {
		conversation = NewConversation()
		if startErr := conversation.Start(ctx, m.model, result); startErr != nil {
			// Chat stays unavailable; Send reports ErrChat.
			m.logger.Warn("failed to start conversation", "error", startErr.Error())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		m.logger.Debug("discarding stale analysis result")
		return ErrStale
	}
	m.busy = false
	if err != nil {
		m.clear()
		m.lastErr = MsgAnalysis
		m.transition(AwaitingImage)
		return err
	}
	m.result = result
	m.conversation = conversation
	m.transition(ResultsReady)
	return nil
}

// Cancel abandons the current image and any outstanding call.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != EditingImage && m.state != AnalysisPending {
		return m.invalid("cancel")
	}
	m.discard()
	return nil
}

// Reset leaves the results view and starts a fresh session.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != ResultsReady {
		return m.invalid("reset")
	}
	m.discard()
	return nil
}

// Chat sends a message in the current conversation. On a gateway failure the
// returned text is the substitute assistant message and err wraps ErrChat.
func (m *Machine) Chat(ctx context.Context, message string) (string, error) {
	m.mu.Lock()
	if m.state != ResultsReady {
		err := m.invalid("chat")
		m.mu.Unlock()
		return "", err
	}
	conversation := m.conversation
	m.mu.Unlock()

	if conversation == nil {
		return "", models.WrapError(models.ErrChat, "session.Chat", errors.New("no conversation"))
	}

	reply, err := conversation.Send(ctx, message)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conversation != conversation {
		return "", ErrStale
	}
	return reply, err
}

// Snapshot is an immutable view of a Machine.
type Snapshot struct {
	State     State                  `json:"state"`
	LastError string                 `json:"last_error,omitempty"`
	Image     string                 `json:"image,omitempty"`
	MediaType string                 `json:"media_type,omitempty"`
	Width     int                    `json:"width,omitempty"`
	Height    int                    `json:"height,omitempty"`
	EditCount int                    `json:"edit_count"`
	Result    *models.AnalysisResult `json:"result,omitempty"`
	Warnings  bool                   `json:"has_warnings"`
	Turns     []models.Turn          `json:"turns,omitempty"`
	Busy      bool                   `json:"busy"`
	ChatBusy  bool                   `json:"chat_busy"`
}

// Snapshot returns the current view.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		State:     m.state,
		LastError: m.lastErr,
		EditCount: m.edits,
		Result:    m.result,
		Busy:      m.busy,
	}
	if m.result != nil {
		s.Warnings = m.result.HasWarnings()
	}
	if !m.asset.Empty() {
		s.Image = m.asset.DataURI()
		s.MediaType = m.asset.MediaType
		s.Width = m.asset.Width
		s.Height = m.asset.Height
	}
	if m.conversation != nil {
		s.Turns = m.conversation.Turns()
		s.ChatBusy = m.conversation.Busy()
	}
	return s
}

// discard drops all session data and returns to AwaitingImage. Callers hold m.mu.
func (m *Machine) discard() {
	m.epoch++
	m.busy = false
	m.clear()
	m.lastErr = ""
	m.transition(AwaitingImage)
}

func (m *Machine) clear() {
	m.asset = models.ImageAsset{}
	m.edits = 0
	m.result = nil
	m.conversation = nil
}

func (m *Machine) beforeCall() {
	if m.callHook != nil {
		m.callHook()
	}
}

func (m *Machine) transition(to State) {
	from := m.state
	m.state = to
	if from == to {
		return
	}
	m.logger.Debug("state transition", "from", from.String(), "to", to.String())
	if m.observer != nil {
		m.observer(from, to)
	}
}

func (m *Machine) invalid(event string) error {
	return fmt.Errorf("%s in %s: %w", event, m.state, ErrInvalidTransition)
}
