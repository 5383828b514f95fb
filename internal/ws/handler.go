// ABOUTME: WebSocket transport: upgrade, auth, read/write pumps, frame dispatch
// ABOUTME: Each connection owns a bounded outbound queue drained by its write pump

package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/jobgrid/messaging/internal/auth"
	"github.com/jobgrid/messaging/internal/delivery"
	"github.com/jobgrid/messaging/internal/registry"
	"github.com/jobgrid/messaging/internal/store"
	"github.com/jobgrid/messaging/internal/wire"
)

// Error codes surfaced to clients in error frames.
const (
	CodeUnauthorized   = "unauthorized"
	CodeInvalidPayload = "invalid_payload"
	CodeNotFound       = "not_found"
	CodePersistence    = "persistence_error"
)

// Options tune the transport. Zero values fall back to defaults.
type Options struct {
	QueueSize        int
	HeartbeatTimeout time.Duration
	Logger           *slog.Logger
}

const (
	defaultQueueSize        = 256
	defaultHeartbeatTimeout = 60 * time.Second
)

// Handler serves the WebSocket endpoint and the presence query API.
type Handler struct {
	verifier    auth.TokenVerifier
	registry    *registry.Registry
	coordinator *delivery.Coordinator
	upgrader    websocket.Upgrader
	logger      *slog.Logger

	queueSize        int
	heartbeatTimeout time.Duration
}

// NewHandler creates the transport handler.
func NewHandler(verifier auth.TokenVerifier, reg *registry.Registry, coord *delivery.Coordinator, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	heartbeatTimeout := opts.HeartbeatTimeout
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = defaultHeartbeatTimeout
	}
	return &Handler{
		verifier:    verifier,
		registry:    reg,
		coordinator: coord,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:           logger.With("component", "ws"),
		queueSize:        queueSize,
		heartbeatTimeout: heartbeatTimeout,
	}
}

// Routes registers the transport endpoints on the router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token, err := auth.TokenFromRequest(r)
	if err != nil {
		http.Error(w, `{"error":"missing token"}`, http.StatusUnauthorized)
		return
	}

	user, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user", user, "error", err)
		return
	}

	queue := registry.NewQueue(h.queueSize)
	conn, wentOnline := h.registry.Register(user, queue)

	// The write pump must be draining before OnConnect pushes the handshake
	// and backlog into the queue
	writeDone := make(chan struct{})
	go h.writePump(wsConn, queue, writeDone)

	h.coordinator.OnConnect(r.Context(), user, conn.ID, wentOnline)

	h.readPump(r.Context(), wsConn, user, conn.ID)

	wentOffline := h.registry.Unregister(conn.ID)
	h.coordinator.OnDisconnect(context.Background(), user, wentOffline)

	wsConn.Close()
	<-writeDone
}

// writePump drains the outbound queue onto the socket. Exits when the queue
// closes (unregister or overflow drop) or a write fails.
func (h *Handler) writePump(wsConn *websocket.Conn, queue *registry.Queue, done chan<- struct{}) {
	defer close(done)

	for env := range queue.Outbound() {
		if err := wsConn.WriteJSON(env); err != nil {
			h.logger.Debug("websocket write failed", "error", err)
			wsConn.Close()
			return
		}
	}

	// Queue closed: send a close frame so the client's read loop ends cleanly
	_ = wsConn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// readPump decodes inbound frames and dispatches them until the connection
// closes or goes silent past the heartbeat timeout.
func (h *Handler) readPump(ctx context.Context, wsConn *websocket.Conn, user, connID string) {
	wsConn.SetReadDeadline(time.Now().Add(h.heartbeatTimeout))
	wsConn.SetPongHandler(func(string) error {
		wsConn.SetReadDeadline(time.Now().Add(h.heartbeatTimeout))
		h.registry.Touch(connID)
		return nil
	})

	for {
		var env wire.Envelope
		if err := wsConn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read ended", "user", user, "error", err)
			}
			return
		}

		wsConn.SetReadDeadline(time.Now().Add(h.heartbeatTimeout))
		h.registry.Touch(connID)

		h.dispatch(ctx, user, connID, &env)
	}
}

func (h *Handler) dispatch(ctx context.Context, user, connID string, env *wire.Envelope) {
	switch env.Type {
	case wire.TypeSend:
		msg, err := h.coordinator.Send(ctx, user, env.ConversationID, env.Body, env.ClientMsgID)
		if err != nil {
			h.sendError(connID, err)
			return
		}
		h.registry.Send(connID, wire.Sent(msg, env.ClientMsgID))

	case wire.TypeAck:
		if err := h.coordinator.Acknowledge(ctx, user, env.ConversationID, env.Seq); err != nil {
			h.sendError(connID, err)
		}

	case wire.TypeTyping:
		typing := true
		if env.Typing != nil {
			typing = *env.Typing
		}
		if err := h.coordinator.NotifyTyping(ctx, user, env.ConversationID, typing); err != nil {
			h.sendError(connID, err)
		}

	case wire.TypePing:
		h.registry.Send(connID, wire.Pong())

	default:
		h.registry.Send(connID, wire.Error(CodeInvalidPayload, "unsupported frame type: "+string(env.Type)))
	}
}

// sendError maps a coordinator error onto a client-facing error frame.
func (h *Handler) sendError(connID string, err error) {
	code := CodePersistence
	switch {
	case errors.Is(err, delivery.ErrUnauthorized):
		code = CodeUnauthorized
	case errors.Is(err, delivery.ErrInvalidPayload):
		code = CodeInvalidPayload
	case errors.Is(err, store.ErrNotFound):
		code = CodeNotFound
	}
	h.registry.Send(connID, wire.Error(code, err.Error()))
}
