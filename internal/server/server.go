package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/franckalain/productscan/internal/metrics"
	"github.com/franckalain/productscan/internal/ml"
	"github.com/franckalain/productscan/internal/models"
	"github.com/franckalain/productscan/internal/session"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the UI is served from this origin or a dev proxy
	},
}

// Base64 inflates the payload by 4/3; leave room for the envelope.
const maxMessageSize = models.MaxImageSize/3*4 + 64*1024

// Messages sent by the server.
const (
	msgState     = "state"
	msgChatReply = "chat_reply"
	msgError     = "error"
)

type Server struct {
	model       ml.Model
	metrics     *metrics.ScanMetrics
	logger      *slog.Logger
	clients     sync.Map // client id -> *client
	callTimeout time.Duration
	debug       bool
}

// New creates a server. metrics may be nil.
func New(model ml.Model, m *metrics.ScanMetrics, logger *slog.Logger, callTimeout time.Duration, debug bool) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if callTimeout <= 0 {
		callTimeout = 2 * time.Minute
	}
	if debug {
		logger.Debug("debug logging enabled")
	}
	return &Server{
		model:       model,
		metrics:     m,
		logger:      logger,
		callTimeout: callTimeout,
		debug:       debug,
	}
}

// Handler returns the HTTP routes: websocket, health, metrics and static files.
func (s *Server) Handler(staticDir string) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	// Serve static files
	router.PathPrefix("/").Handler(http.FileServer(http.Dir(staticDir))).Methods(http.MethodGet, http.MethodHead)

	if s.metrics != nil {
		return s.metrics.Middleware("productscan", router)
	}
	return router
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port, staticDir string) error {
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(staticDir),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", port, "static_dir", staticDir)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Shutdown does not wait for hijacked websocket connections.
	s.closeClients()
	return httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	// Store client connection
	c := s.newClient(conn)
	s.clients.Store(c.id, c)
	if s.metrics != nil {
		s.metrics.ConnectionOpened()
	}
	c.logger.Info("client connected")

	defer func() {
		c.cancel()
		c.wg.Wait()
		s.clients.Delete(c.id)
		if s.metrics != nil {
			s.metrics.ConnectionClosed()
		}
		c.logger.Info("client disconnected")
	}()

	c.sendState()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("error reading message", "error", err.Error())
			}
			break
		}

		// Parse message
		var msg envelope
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Debug("error parsing message", "error", err.Error())
			c.sendError("Invalid message format")
			continue
		}

		s.handleWebSocketMessage(c, msg)
	}
}

func (s *Server) newClient(conn *websocket.Conn) *client {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		id:          id,
		conn:        conn,
		ctx:         ctx,
		cancel:      cancel,
		callTimeout: s.callTimeout,
		logger:      s.logger.With("client_id", id),
	}

	opts := []session.Option{
		session.WithLogger(c.logger),
		session.WithCallHook(c.sendState),
	}
	if s.metrics != nil {
		opts = append(opts, session.WithObserver(func(from, to session.State) {
			s.metrics.ObserveTransition(from.String(), to.String())
		}))
	}
	c.machine = session.NewMachine(s.model, opts...)
	return c
}

// closeClients closes every open websocket so their read loops exit.
func (s *Server) closeClients() {
	s.clients.Range(func(_, value any) bool {
		if c, ok := value.(*client); ok {
			c.close()
		}
		return true
	})
}

func (s *Server) handleWebSocketMessage(c *client, msg envelope) {
	if s.debug {
		c.logger.Debug("received message", "type", msg.Type, "size", len(msg.Data))
	}

	switch msg.Type {
	case "get_state":
		c.sendState()
	case "select_image":
		c.handleSelectImage(msg.Data)
	case "edit":
		c.handleEdit(msg.Data)
	case "analyze":
		c.handleAnalyze()
	case "cancel":
		c.handleDiscard(c.machine.Cancel)
	case "reset":
		c.handleDiscard(c.machine.Reset)
	case "chat":
		c.handleChat(msg.Data)
	default:
		c.sendError("Unknown message type")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
