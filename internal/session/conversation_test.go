package session

import (
	"context"
	"errors"
	"testing"

	"github.com/franckalain/productscan/internal/ml"
	"github.com/franckalain/productscan/internal/models"
)

func TestConversation_SendBeforeStart(t *testing.T) {
	c := NewConversation()

	_, err := c.Send(context.Background(), "hello")
	if !errors.Is(err, models.ErrChat) {
		t.Fatalf("expected ErrChat, got %v", err)
	}
	if len(c.Turns()) != 0 {
		t.Error("expected no turns appended")
	}
}

func TestConversation_StartOnce(t *testing.T) {
	result, err := models.ParseAnalysis(fencedAnalysis)
	if err != nil {
		t.Fatalf("ParseAnalysis: %v", err)
	}
	c := NewConversation()
	model := &MockModel{}

	if err := c.Start(context.Background(), model, result); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !c.Started() {
		t.Error("expected started conversation")
	}
	if err := c.Start(context.Background(), model, result); !errors.Is(err, models.ErrChat) {
		t.Errorf("second Start: expected ErrChat, got %v", err)
	}
}

func TestConversation_StartWithoutResult(t *testing.T) {
	c := NewConversation()
	err := c.Start(context.Background(), &MockModel{}, nil)
	if !errors.Is(err, models.ErrChat) || !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("expected ErrChat wrapping ErrInvalidInput, got %v", err)
	}
	if c.Started() {
		t.Error("conversation must not start without a result")
	}
}

func TestConversation_EmptyMessage(t *testing.T) {
	c := startedConversation(t, func(context.Context, string) (string, error) { return "x", nil })

	if _, err := c.Send(context.Background(), "   "); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if len(c.Turns()) != 0 {
		t.Error("expected no turns for an empty message")
	}
}

func TestConversation_ExclusiveSend(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	c := startedConversation(t, func(context.Context, string) (string, error) {
		close(started)
		<-release
		return "first reply", nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "first")
		done <- err
	}()
	<-started

	if !c.Busy() {
		t.Error("expected busy while a send is outstanding")
	}
	if _, err := c.Send(context.Background(), "second"); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}
	turns := c.Turns()
	if len(turns) != 2 || turns[0].Text != "first" || turns[1].Text != "first reply" {
		t.Errorf("unexpected turns: %v", turns)
	}
}

func TestConversation_TurnsAreCopies(t *testing.T) {
	c := startedConversation(t, func(context.Context, string) (string, error) { return "reply", nil })
	if _, err := c.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	turns := c.Turns()
	turns[0].Text = "changed"
	if c.Turns()[0].Text != "hi" {
		t.Error("Turns must not expose internal state")
	}
}

func startedConversation(t *testing.T, send func(context.Context, string) (string, error)) *Conversation {
	t.Helper()
	result, err := models.ParseAnalysis(fencedAnalysis)
	if err != nil {
		t.Fatalf("ParseAnalysis: %v", err)
	}
	model := &MockModel{StartChatFunc: func(context.Context, string) (ml.ChatSession, error) {
		return &MockChat{SendFunc: send}, nil
	}}
	c := NewConversation()
	if err := c.Start(context.Background(), model, result); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return c
}
