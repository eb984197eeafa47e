package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/franckalain/productscan/internal/models"
	"github.com/franckalain/productscan/internal/session"
	"github.com/gorilla/websocket"
)

// envelope is the {type, data} frame used in both directions.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type selectImageData struct {
	Image     string `json:"image"`
	MediaType string `json:"media_type"`
}

type editData struct {
	Instruction string `json:"instruction"`
}

type chatData struct {
	Message string `json:"message"`
}

type chatReply struct {
	Text   string `json:"text"`
	Failed bool   `json:"failed"`
}

const writeWait = 10 * time.Second

// client is one websocket connection and the session it owns.
type client struct {
	id          string
	conn        *websocket.Conn
	machine     *session.Machine
	logger      *slog.Logger
	callTimeout time.Duration

	// ctx is canceled when the connection goes away
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex
}

func (c *client) handleSelectImage(raw json.RawMessage) {
	var data selectImageData
	if err := decodeData(raw, &data); err != nil || data.Image == "" {
		c.sendError("Invalid image data")
		return
	}

	imageData, mediaType, err := models.ParseDataURI(data.Image, data.MediaType)
	if err != nil {
		c.logger.Debug("error decoding image", "error", err.Error())
		c.sendError("Invalid image format")
		return
	}

	if err := c.machine.SelectImage(imageData, mediaType); err != nil && !errors.Is(err, models.ErrImageRead) {
		c.sendError(userMessage(err))
		return
	}
	// an unreadable image is reported through last_error
	c.sendState()
}

func (c *client) handleEdit(raw json.RawMessage) {
	var data editData
	if err := decodeData(raw, &data); err != nil {
		c.sendError("Invalid edit request")
		return
	}

	c.run(func(ctx context.Context) error {
		return c.machine.Edit(ctx, data.Instruction)
	})
}

func (c *client) handleAnalyze() {
	c.run(c.machine.Analyze)
}

func (c *client) handleDiscard(fn func() error) {
	if err := fn(); err != nil {
		c.sendError(userMessage(err))
		return
	}
	c.sendState()
}

func (c *client) handleChat(raw json.RawMessage) {
	var data chatData
	if err := decodeData(raw, &data); err != nil {
		c.sendError("Invalid chat message")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.callTimeout)
		defer cancel()

		reply, err := c.machine.Chat(ctx, data.Message)
		switch {
		case errors.Is(err, session.ErrStale):
			return
		case err != nil && reply == "":
			c.sendError(userMessage(err))
			return
		case err != nil:
			c.logger.Warn("chat failed", "error", err.Error())
		}
		c.sendMessage(msgChatReply, chatReply{Text: reply, Failed: err != nil})
		c.sendState()
	}()
}

// run executes a gateway-bound machine operation off the read loop so that
// cancel and reset stay responsive, then pushes the resulting state.
func (c *client) run(op func(ctx context.Context) error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.callTimeout)
		defer cancel()

		err := op(ctx)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrStale):
			// the session this call belonged to is gone
			return
		case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrInvalidTransition), errors.Is(err, models.ErrInvalidInput):
			c.sendError(userMessage(err))
			return
		default:
			c.logger.Warn("operation failed", "error", err.Error())
		}
		c.sendState()
	}()
}

func (c *client) sendState() {
	c.sendMessage(msgState, c.machine.Snapshot())
}

func (c *client) sendMessage(messageType string, data any) {
	msg := map[string]any{
		"type": messageType,
		"data": data,
	}

	if err := c.writeJSON(msg); err != nil {
		c.logger.Debug("error sending message", "type", messageType, "error", err.Error())
	}
}

func (c *client) sendError(message string) {
	msg := map[string]any{
		"type":    msgError,
		"message": message,
	}

	if err := c.writeJSON(msg); err != nil {
		c.logger.Debug("error sending error message", "error", err.Error())
	}
}

func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *client) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(writeWait))
	_ = c.conn.Close()
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// userMessage maps errors that never reach last_error to text for the UI.
func userMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrBusy):
		return "Please wait for the current operation to finish."
	case errors.Is(err, session.ErrInvalidTransition):
		return "That action is not available right now."
	case errors.Is(err, models.ErrInvalidInput) && errors.Is(err, models.ErrEdit):
		return "Please describe the edit you want."
	case errors.Is(err, models.ErrInvalidInput) && errors.Is(err, models.ErrChat):
		return "Please enter a message."
	case errors.Is(err, models.ErrChat):
		return session.MsgChat
	case errors.Is(err, models.ErrInvalidInput):
		return "Invalid input."
	default:
		return "Something went wrong."
	}
}
