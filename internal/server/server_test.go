package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/franckalain/productscan/internal/metrics"
	"github.com/franckalain/productscan/internal/ml"
	"github.com/franckalain/productscan/internal/models"
	"github.com/gorilla/websocket"
)

const analysisJSON = `{"analysis_id":"a-1","timestamp":"2025-01-01T00:00:00Z",
"environmental_components":[{"id":"c1","name":"Apple","status":"positive","confidence":"high","high_nutritional_value":true}],
"summary_of_analysis":{"positive_elements_count":1}}`

// MockModel implements ml.Model for transport tests.
type MockModel struct {
	AnalyzeFunc func(ctx context.Context, image models.ImageAsset) (*models.AnalysisResult, error)
	EditFunc    func(ctx context.Context, image models.ImageAsset, instruction string) (models.ImageAsset, error)
	SendFunc    func(ctx context.Context, message string) (string, error)
}

func (m *MockModel) Load(ctx context.Context) error { return nil }
func (m *MockModel) Close() error                   { return nil }

func (m *MockModel) Analyze(ctx context.Context, img models.ImageAsset) (*models.AnalysisResult, error) {
	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, img)
	}
	return models.ParseAnalysis(analysisJSON)
}

func (m *MockModel) Edit(ctx context.Context, img models.ImageAsset, instruction string) (models.ImageAsset, error) {
	if m.EditFunc != nil {
		return m.EditFunc(ctx, img, instruction)
	}
	return img, nil
}

func (m *MockModel) StartChat(ctx context.Context, analysisContext string) (ml.ChatSession, error) {
	return mockChat(func(ctx context.Context, message string) (string, error) {
		if m.SendFunc != nil {
			return m.SendFunc(ctx, message)
		}
		return "echo: " + message, nil
	}), nil
}

type mockChat func(ctx context.Context, message string) (string, error)

func (f mockChat) Send(ctx context.Context, message string) (string, error) { return f(ctx, message) }

type serverMessage struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

type stateData struct {
	State     string `json:"state"`
	LastError string `json:"last_error"`
	Image     string `json:"image"`
	EditCount int    `json:"edit_count"`
	Busy      bool   `json:"busy"`
	Result    *struct {
		AnalysisID string `json:"analysis_id"`
	} `json:"result"`
	Turns []models.Turn `json:"turns"`
}

func newTestServer(t *testing.T, model ml.Model) *httptest.Server {
	t.Helper()
	m := metrics.NewScanMetrics("test")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(model, m, logger, 5*time.Second, true)

	static := t.TempDir()
	if err := os.WriteFile(filepath.Join(static, "index.html"), []byte("<html>scan</html>"), 0o600); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(s.Handler(static))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, data any) {
	t.Helper()
	msg := map[string]any{"type": msgType}
	if data != nil {
		msg["data"] = data
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

// next reads messages until one satisfies match.
func next(t *testing.T, conn *websocket.Conn, match func(serverMessage) bool) serverMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg serverMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func stateWhere(t *testing.T, conn *websocket.Conn, pred func(stateData) bool) stateData {
	t.Helper()
	var st stateData
	next(t, conn, func(msg serverMessage) bool {
		if msg.Type != msgState {
			return false
		}
		st = stateData{}
		if err := json.Unmarshal(msg.Data, &st); err != nil {
			t.Fatalf("decode state: %v", err)
		}
		return pred(st)
	})
	return st
}

func inState(name string) func(stateData) bool {
	return func(st stateData) bool { return st.State == name && !st.Busy }
}

func pngDataURI(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	asset, err := models.DecodeImage(buf.Bytes(), "image/png")
	if err != nil {
		t.Fatal(err)
	}
	return asset.DataURI()
}

func TestServer_FullFlow(t *testing.T) {
	srv := newTestServer(t, &MockModel{})
	conn := dial(t, srv)

	stateWhere(t, conn, inState("awaiting_image"))

	send(t, conn, "select_image", map[string]string{"image": pngDataURI(t)})
	st := stateWhere(t, conn, inState("editing_image"))
	if st.Image == "" {
		t.Fatal("expected image in editing state")
	}

	send(t, conn, "edit", map[string]string{"instruction": "remove background"})
	st = stateWhere(t, conn, func(st stateData) bool { return st.EditCount == 1 && !st.Busy })
	if st.State != "editing_image" {
		t.Errorf("expected editing_image after edit, got %s", st.State)
	}

	send(t, conn, "analyze", nil)
	st = stateWhere(t, conn, inState("results_ready"))
	if st.Result == nil || st.Result.AnalysisID != "a-1" {
		t.Fatalf("unexpected result: %+v", st.Result)
	}

	send(t, conn, "chat", map[string]string{"message": "is it healthy?"})
	reply := next(t, conn, func(msg serverMessage) bool { return msg.Type == msgChatReply })
	var cr chatReply
	if err := json.Unmarshal(reply.Data, &cr); err != nil {
		t.Fatalf("decode chat reply: %v", err)
	}
	if cr.Text != "echo: is it healthy?" || cr.Failed {
		t.Errorf("unexpected chat reply: %+v", cr)
	}
	st = stateWhere(t, conn, func(st stateData) bool { return len(st.Turns) == 2 })
	if st.Turns[0].Role != models.RoleUser || st.Turns[1].Role != models.RoleAssistant {
		t.Errorf("unexpected turns: %+v", st.Turns)
	}

	send(t, conn, "reset", nil)
	st = stateWhere(t, conn, inState("awaiting_image"))
	if st.Image != "" || st.Result != nil || len(st.Turns) != 0 {
		t.Errorf("expected cleared state, got %+v", st)
	}
}

func TestServer_AnalysisFailureReturnsToUploader(t *testing.T) {
	model := &MockModel{AnalyzeFunc: func(context.Context, models.ImageAsset) (*models.AnalysisResult, error) {
		return nil, models.WrapError(models.ErrAnalysis, "mock", errors.New("boom"))
	}}
	srv := newTestServer(t, model)
	conn := dial(t, srv)

	send(t, conn, "select_image", map[string]string{"image": pngDataURI(t)})
	stateWhere(t, conn, inState("editing_image"))

	send(t, conn, "analyze", nil)
	st := stateWhere(t, conn, func(st stateData) bool { return st.State == "awaiting_image" && st.LastError != "" })
	if st.Image != "" {
		t.Error("expected image discarded after failed analysis")
	}
}

func TestServer_ChatFailureSendsSubstitute(t *testing.T) {
	model := &MockModel{SendFunc: func(context.Context, string) (string, error) {
		return "", errors.New("network down")
	}}
	srv := newTestServer(t, model)
	conn := dial(t, srv)

	send(t, conn, "select_image", map[string]string{"image": pngDataURI(t)})
	stateWhere(t, conn, inState("editing_image"))
	send(t, conn, "analyze", nil)
	stateWhere(t, conn, inState("results_ready"))

	send(t, conn, "chat", map[string]string{"message": "hello"})
	reply := next(t, conn, func(msg serverMessage) bool { return msg.Type == msgChatReply })
	var cr chatReply
	if err := json.Unmarshal(reply.Data, &cr); err != nil {
		t.Fatalf("decode chat reply: %v", err)
	}
	if !cr.Failed || cr.Text == "" {
		t.Errorf("expected failed reply with substitute text, got %+v", cr)
	}
}

func TestServer_CancelDuringEditDiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	model := &MockModel{EditFunc: func(ctx context.Context, img models.ImageAsset, _ string) (models.ImageAsset, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return img, nil
	}}
	srv := newTestServer(t, model)
	conn := dial(t, srv)

	send(t, conn, "select_image", map[string]string{"image": pngDataURI(t)})
	stateWhere(t, conn, inState("editing_image"))

	send(t, conn, "edit", map[string]string{"instruction": "brighter"})
	stateWhere(t, conn, func(st stateData) bool { return st.Busy })

	send(t, conn, "edit", map[string]string{"instruction": "darker"})
	busy := next(t, conn, func(msg serverMessage) bool { return msg.Type == msgError })
	if !strings.Contains(busy.Message, "wait") {
		t.Errorf("expected busy error, got %q", busy.Message)
	}

	send(t, conn, "cancel", nil)
	stateWhere(t, conn, inState("awaiting_image"))
	close(release)

	// the stale edit must not push an editing state
	send(t, conn, "get_state", nil)
	st := stateWhere(t, conn, func(stateData) bool { return true })
	if st.State != "awaiting_image" || st.EditCount != 0 {
		t.Errorf("late edit leaked into the new session: %+v", st)
	}
}

func TestServer_ProtocolErrors(t *testing.T) {
	srv := newTestServer(t, &MockModel{})
	conn := dial(t, srv)
	stateWhere(t, conn, inState("awaiting_image"))

	tests := []struct {
		name    string
		raw     string
		wantMsg string
	}{
		{name: "not json", raw: "hello", wantMsg: "Invalid message format"},
		{name: "unknown type", raw: `{"type":"dance"}`, wantMsg: "Unknown message type"},
		{name: "missing image", raw: `{"type":"select_image","data":{}}`, wantMsg: "Invalid image data"},
		{name: "bad base64", raw: `{"type":"select_image","data":{"image":"%%%"}}`, wantMsg: "Invalid image format"},
		{name: "analyze without image", raw: `{"type":"analyze"}`, wantMsg: "not available"},
		{name: "reset without results", raw: `{"type":"reset"}`, wantMsg: "not available"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.raw)); err != nil {
				t.Fatalf("write: %v", err)
			}
			msg := next(t, conn, func(msg serverMessage) bool { return msg.Type == msgError })
			if !strings.Contains(msg.Message, tt.wantMsg) {
				t.Errorf("error message = %q, want it to contain %q", msg.Message, tt.wantMsg)
			}
		})
	}
}

func TestServer_UnreadableImageSetsLastError(t *testing.T) {
	srv := newTestServer(t, &MockModel{})
	conn := dial(t, srv)
	stateWhere(t, conn, inState("awaiting_image"))

	send(t, conn, "select_image", map[string]string{"image": "data:image/png;base64,aGVsbG8="})
	st := stateWhere(t, conn, func(st stateData) bool { return st.LastError != "" })
	if st.State != "awaiting_image" {
		t.Errorf("expected awaiting_image, got %s", st.State)
	}
}

func TestServer_SessionsAreIndependent(t *testing.T) {
	srv := newTestServer(t, &MockModel{})
	first := dial(t, srv)
	second := dial(t, srv)
	stateWhere(t, first, inState("awaiting_image"))
	stateWhere(t, second, inState("awaiting_image"))

	send(t, first, "select_image", map[string]string{"image": pngDataURI(t)})
	stateWhere(t, first, inState("editing_image"))

	send(t, second, "get_state", nil)
	st := stateWhere(t, second, func(stateData) bool { return true })
	if st.State != "awaiting_image" {
		t.Errorf("second connection saw %s", st.State)
	}
}

func TestServer_HTTPRoutes(t *testing.T) {
	srv := newTestServer(t, &MockModel{})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Errorf("health = %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(srv.URL + "/index.html")
	if err != nil {
		t.Fatalf("GET /index.html: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "scan") {
		t.Errorf("unexpected static body %q", body)
	}

	resp, err = http.Post(srv.URL+"/health", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /health = %d, want 405", resp.StatusCode)
	}

	conn := dial(t, srv)
	stateWhere(t, conn, inState("awaiting_image"))

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "productscan_ws_connections") {
		t.Error("expected websocket gauge in metrics output")
	}
}
