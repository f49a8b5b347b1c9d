package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/live-translator/internal/config"
	"github.com/skypro1111/live-translator/internal/metrics"
	"github.com/skypro1111/live-translator/internal/protocol"
	"github.com/skypro1111/live-translator/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Client event names
const (
	EventStart       = "start"
	EventMetadata    = "metadata"
	EventEndOfSpeech = "end_of_speech"
	EventStop        = "stop"
)

// Server event names
const (
	EventStarted = "started"
	EventMark    = "mark"
	EventError   = "error"
)

// MarkUtteranceEnd names the mark sent after each completed speech output
const MarkUtteranceEnd = "utterance_end"

var (
	errClientStopped = errors.New("client sent stop")
	errSessionClosed = errors.New("session closed by server")
)

// clientEvent is a JSON text message from the client
type clientEvent struct {
	Event    string          `json:"event"`
	Start    *session.Start  `json:"start,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// serverEvent is a JSON text message to the client
type serverEvent struct {
	Event   string        `json:"event"`
	Started *eventStarted `json:"started,omitempty"`
	Mark    *eventMark    `json:"mark,omitempty"`
	Error   *eventErr     `json:"error,omitempty"`
}

type eventStarted struct {
	SessionID string `json:"session_id"`
}

type eventMark struct {
	Name string `json:"name"`
}

type eventErr struct {
	Message string `json:"message"`
}

// WSServer accepts WebSocket connections, one translation session each
type WSServer struct {
	config     *config.ServerConfig
	logger     *slog.Logger
	sessionMgr *session.Manager
	metrics    *metrics.Metrics
	outputRate int
	upgrader   websocket.Upgrader
	server     *http.Server

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Statistics
	connectionsAccepted uint64
	activeConnections   uint64
	messagesReceived    uint64
	parseErrors         uint64
	sessionsRejected    uint64
	mu                  sync.RWMutex
}

// NewWSServer creates a WebSocket server. outputRate is the sample rate
// stamped on outgoing audio frames.
func NewWSServer(cfg *config.ServerConfig, logger *slog.Logger, sessionMgr *session.Manager, m *metrics.Metrics, outputRate int) *WSServer {
	ctx, cancel := context.WithCancel(context.Background())

	s := &WSServer{
		config:     cfg,
		logger:     logger,
		sessionMgr: sessionMgr,
		metrics:    m,
		outputRate: outputRate,
		ctx:        ctx,
		cancel:     cancel,
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		CheckOrigin:      s.checkOrigin,
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler serving the WebSocket endpoint
func (s *WSServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path(), s.handleUpgrade)
	return mux
}

func (s *WSServer) path() string {
	if s.config.Path == "" {
		return "/ws"
	}
	return s.config.Path
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients) and, when allowed origins are configured, only those.
func (s *WSServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Start begins accepting WebSocket connections
func (s *WSServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	s.logger.Info("WebSocket server started",
		slog.String("address", ln.Addr().String()),
		slog.String("path", s.path()),
	)

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("WebSocket server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop closes the listener and every open connection, then waits for their
// sessions to be removed.
func (s *WSServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping WebSocket server...")

	err := s.server.Shutdown(ctx)

	// Hijacked connections are not tracked by http.Server
	s.cancel()
	s.wg.Wait()

	stats := s.GetStatistics()
	s.logger.Info("WebSocket server stopped",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("messages_received", stats.MessagesReceived),
		slog.Uint64("parse_errors", stats.ParseErrors),
	)

	return err
}

func (s *WSServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		s.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	s.connectionsAccepted++
	s.activeConnections++
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.activeConnections--
			s.mu.Unlock()
		}()

		c := &connection{
			server: s,
			conn:   conn,
			logger: s.logger.With(slog.String("remote_addr", r.RemoteAddr)),
		}
		c.serve(s.ctx)
	}()
}

// connection is one client WebSocket carrying at most one session
type connection struct {
	server  *WSServer
	conn    *websocket.Conn
	logger  *slog.Logger
	session *session.Session

	// gorilla connections support one concurrent writer
	writeMu sync.Mutex
}

func (c *connection) serve(parent context.Context) {
	if limit := c.server.config.ReadLimit; limit > 0 {
		c.conn.SetReadLimit(limit)
	}
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.logger.Info("Client connected")

	g, ctx := errgroup.WithContext(parent)
	g.Go(func() error { return c.readLoop(ctx, g) })
	g.Go(func() error { return c.pingLoop(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		// unblock the read loop
		c.writeClose(websocket.CloseNormalClosure, "")
		return c.conn.Close()
	})

	err := g.Wait()

	if c.session != nil {
		c.server.sessionMgr.RemoveSession(c.session.ID)
	}

	attrs := []any{}
	if c.session != nil {
		attrs = append(attrs, slog.String("session_id", c.session.ID))
	}
	if err != nil && !errors.Is(err, errClientStopped) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		attrs = append(attrs, slog.String("reason", err.Error()))
	}
	c.logger.Info("Client disconnected", attrs...)
}

func (c *connection) readLoop(ctx context.Context, g *errgroup.Group) error {
	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		c.server.mu.Lock()
		c.server.messagesReceived++
		c.server.mu.Unlock()

		switch msgType {
		case websocket.BinaryMessage:
			c.handleAudio(message)
		case websocket.TextMessage:
			if err := c.handleEvent(ctx, g, message); err != nil {
				return err
			}
		}
	}
}

func (c *connection) handleAudio(message []byte) {
	if c.session == nil {
		c.countParseError()
		c.writeError("audio received before start")
		return
	}

	frame, err := protocol.ParseFrame(message)
	if err != nil {
		c.countParseError()
		if c.server.metrics != nil {
			c.server.metrics.RecordFrame(true)
		}
		c.logger.Debug("Dropping unparseable audio frame",
			slog.Int("size", len(message)),
			slog.String("error", err.Error()),
		)
		return
	}

	// Malformed audio is logged and counted by the session
	_ = c.session.IngestFrame(frame)
}

func (c *connection) handleEvent(ctx context.Context, g *errgroup.Group, message []byte) error {
	var event clientEvent
	if err := json.Unmarshal(message, &event); err != nil {
		c.countParseError()
		c.writeError("invalid JSON: " + err.Error())
		return nil
	}

	switch event.Event {
	case EventStart:
		c.handleStart(ctx, g, event.Start)

	case EventMetadata:
		if c.session == nil {
			c.writeError("metadata received before start")
			return nil
		}
		if err := c.session.HandleMetadata(event.Metadata); err != nil {
			c.writeError(err.Error())
		}

	case EventEndOfSpeech:
		if c.session != nil {
			c.session.EndOfSpeech()
		}

	case EventStop:
		c.writeClose(websocket.CloseNormalClosure, "stopped")
		return errClientStopped

	default:
		c.writeError(fmt.Sprintf("unknown event %q", event.Event))
	}

	return nil
}

func (c *connection) handleStart(ctx context.Context, g *errgroup.Group, start *session.Start) {
	if c.session != nil {
		c.writeError("session already started")
		return
	}
	if start == nil {
		start = &session.Start{}
	}

	sess, err := c.server.sessionMgr.CreateSession(*start, &wsSink{conn: c, sampleRate: c.server.outputRate})
	if err != nil {
		c.server.mu.Lock()
		c.server.sessionsRejected++
		c.server.mu.Unlock()
		c.logger.Warn("Session rejected", slog.String("error", err.Error()))
		c.writeError(err.Error())
		return
	}

	c.session = sess
	c.logger.Info("Session started", slog.String("session_id", sess.ID))

	// Idle cleanup removes the session without the client asking
	g.Go(func() error {
		select {
		case <-sess.Done():
			return errSessionClosed
		case <-ctx.Done():
			return nil
		}
	})

	c.writeJSON(serverEvent{Event: EventStarted, Started: &eventStarted{SessionID: sess.ID}})
}

func (c *connection) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
		}
	}
}

func (c *connection) writeJSON(event serverEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(event)
}

func (c *connection) writeBinary(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *connection) writeError(message string) {
	if err := c.writeJSON(serverEvent{Event: EventError, Error: &eventErr{Message: message}}); err != nil {
		c.logger.Debug("Failed to send error event", slog.String("error", err.Error()))
	}
}

func (c *connection) writeClose(code int, text string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func (c *connection) countParseError() {
	c.server.mu.Lock()
	c.server.parseErrors++
	c.server.mu.Unlock()
}

// wsSink delivers synthesized audio as binary output frames
type wsSink struct {
	conn       *connection
	sampleRate int
	sequence   uint32 // only the active synthesis pump writes
}

func (s *wsSink) WriteAudio(pcm []byte) error {
	s.sequence++
	return s.conn.writeBinary(protocol.EncodeOutputFrame(s.sequence, s.sampleRate, pcm))
}

func (s *wsSink) Flush() {
	if err := s.conn.writeJSON(serverEvent{Event: EventMark, Mark: &eventMark{Name: MarkUtteranceEnd}}); err != nil {
		s.conn.logger.Debug("Failed to send utterance mark", slog.String("error", err.Error()))
	}
}

// GetStatistics returns current server statistics
func (s *WSServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ServerStatistics{
		ConnectionsAccepted: s.connectionsAccepted,
		ActiveConnections:   s.activeConnections,
		MessagesReceived:    s.messagesReceived,
		ParseErrors:         s.parseErrors,
		SessionsRejected:    s.sessionsRejected,
		ActiveSessions:      uint64(s.sessionMgr.GetActiveSessionCount()),
	}
}

// ServerStatistics represents transport statistics
type ServerStatistics struct {
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	ActiveConnections   uint64 `json:"active_connections"`
	MessagesReceived    uint64 `json:"messages_received"`
	ParseErrors         uint64 `json:"parse_errors"`
	SessionsRejected    uint64 `json:"sessions_rejected"`
	ActiveSessions      uint64 `json:"active_sessions"`
}
