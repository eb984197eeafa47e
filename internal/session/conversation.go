package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/franckalain/productscan/internal/ml"
	"github.com/franckalain/productscan/internal/models"
)

// Conversation is the chat about one analysis. Turns are append-only and
// at most one Send is outstanding at a time.
type Conversation struct {
	mu      sync.Mutex
	session ml.ChatSession
	busy    bool
	turns   []models.Turn
}

// NewConversation returns a conversation that must be started before use.
func NewConversation() *Conversation {
	return &Conversation{}
}

// Start seeds the external chat with the serialized analysis. It may only be called once.
func (c *Conversation) Start(ctx context.Context, model ml.Model, result *models.AnalysisResult) error {
	const op = "session.Conversation.Start"
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return models.WrapError(models.ErrChat, op, errors.New("conversation already started"))
	}
	text, err := models.ContextText(result)
	if err != nil {
		return models.WrapError(models.ErrChat, op, err)
	}
	session, err := model.StartChat(ctx, text)
	if err != nil {
		return models.WrapError(models.ErrChat, op, err)
	}
	c.session = session
	return nil
}

// Started reports whether Start succeeded.
func (c *Conversation) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Send appends the user turn, forwards the message and appends the reply.
// When the call fails a substitute assistant turn is appended and returned
// together with the error.
func (c *Conversation) Send(ctx context.Context, message string) (string, error) {
	const op = "session.Conversation.Send"
	message = strings.TrimSpace(message)
	if message == "" {
		return "", models.WrapError(models.ErrChat, op, fmt.Errorf("%w: empty message", models.ErrInvalidInput))
	}

	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return "", models.WrapError(models.ErrChat, op, errors.New("conversation not started"))
	}
	if c.busy {
		c.mu.Unlock()
		return "", ErrBusy
	}
	c.busy = true
	c.turns = append(c.turns, models.Turn{Role: models.RoleUser, Text: message})
	session := c.session
	c.mu.Unlock()

	reply, err := session.Send(ctx, message)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	if err != nil {
		c.turns = append(c.turns, models.Turn{Role: models.RoleAssistant, Text: MsgChat})
		if !errors.Is(err, models.ErrChat) {
			err = models.WrapError(models.ErrChat, op, err)
		}
		return MsgChat, err
	}
	c.turns = append(c.turns, models.Turn{Role: models.RoleAssistant, Text: reply})
	return reply, nil
}

// Busy reports whether a Send is outstanding.
func (c *Conversation) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Turns returns a copy of the conversation so far.
func (c *Conversation) Turns() []models.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Turn, len(c.turns))
	copy(out, c.turns)
	return out
}
