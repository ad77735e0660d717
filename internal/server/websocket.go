package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/modelguard/relay/internal/auth"
	"github.com/modelguard/relay/internal/presence"
	"github.com/modelguard/relay/internal/relay"
	"github.com/modelguard/relay/internal/room"
	"go.uber.org/zap"
)

const (
	sendBufferSize = 256
	readLimitBytes = 64 * 1024
)

// WebSocketServer owns a connection end to end: authenticate at the
// handshake, register presence, join the static list topics, pump events
// in arrival order, and unwind everything exactly once on disconnect.
type WebSocketServer struct {
	logger   *zap.Logger
	upgrader *websocket.Upgrader
	verifier auth.Verifier
	presence *presence.Store
	registry relay.Registry
	rooms    *room.Manager
	router   *Router
}

func NewWebSocketServer(
	logger *zap.Logger,
	upgrader *websocket.Upgrader,
	verifier auth.Verifier,
	presence *presence.Store,
	registry relay.Registry,
	rooms *room.Manager,
	router *Router,
) *WebSocketServer {
	return &WebSocketServer{
		logger,
		upgrader,
		verifier,
		presence,
		registry,
		rooms,
		router,
	}
}

func (s *WebSocketServer) Register(router *mux.Router) {
	router.HandleFunc("/socket", s.serve)
}

func (s *WebSocketServer) serve(w http.ResponseWriter, r *http.Request) {
	// Reject before upgrading: a failed handshake leaves no presence
	// state behind.
	identity, err := s.verifier.Verify(bearerCredential(r))
	if err != nil {
		s.logger.Info("rejecting connection: invalid credential",
			zap.Error(err))
		http.Error(w, "invalid credential", http.StatusUnauthorized)

		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))

		return
	}

	connectionId := gonanoid.Must()
	conn := relay.NewConnection(connectionId, identity.UserId, identity.DisplayName, sendBufferSize)

	s.presence.Register(identity.UserId, identity.DisplayName, connectionId)

	for _, topic := range room.StaticTopics {
		if err := s.registry.Join(topic, conn); err != nil {
			s.logger.Error("failed to join static topic",
				zap.String("topic", topic),
				zap.Error(err))
		}
	}

	logger := s.logger.With(
		zap.String("connectionId", connectionId),
		zap.String("userId", identity.UserId))

	logger.Info("websocket connection established")

	go s.writePump(ws, conn)

	s.readLoop(r.Context(), ws, conn, logger)

	s.teardown(conn)

	logger.Info("websocket connection closed")
}

func bearerCredential(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// readLoop processes one connection's events strictly in arrival order. Only
// transport-level read errors end the session; a frame that fails to decode
// is dropped and the stream keeps going.
func (s *WebSocketServer) readLoop(ctx context.Context, ws *websocket.Conn, conn *relay.Connection, logger *zap.Logger) {
	ws.SetReadLimit(readLimitBytes)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read ended", zap.Error(err))
			}

			return
		}

		var envelope relay.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			logger.Debug("dropping undecodable frame", zap.Error(err))

			continue
		}

		s.dispatch(ctx, conn, envelope, logger)
	}
}

// dispatch isolates one event: a panicking handler loses that event, not
// the connection and not the process.
func (s *WebSocketServer) dispatch(ctx context.Context, conn *relay.Connection, envelope relay.Envelope, logger *zap.Logger) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("panic in event handler",
				zap.String("method", envelope.Method),
				zap.Any("panic", recovered))
		}
	}()

	if response := s.router.Dispatch(ctx, conn, envelope); response != nil {
		s.registry.Send(conn.Id, *response)
	}
}

func (s *WebSocketServer) writePump(ws *websocket.Conn, conn *relay.Connection) {
	for envelope := range conn.Send {
		if err := ws.WriteJSON(envelope); err != nil {
			break
		}
	}

	ws.Close()
}

// teardown unwinds a closed connection. The registry and presence store
// are idempotent, so a teardown racing a stale-connection disconnect from
// a broadcast settles into a single cleanup.
func (s *WebSocketServer) teardown(conn *relay.Connection) {
	s.rooms.DisconnectCleanup(conn)
	s.presence.Deregister(conn.UserId, conn.Id)
	s.registry.Disconnect(conn.Id)
}
