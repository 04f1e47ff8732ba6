package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianChat/pkg/validation"
	"github.com/AleutianAI/AleutianChat/services/chatbot/conversation"
	"github.com/AleutianAI/AleutianChat/services/chatbot/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chatbot/observability"
	"github.com/AleutianAI/AleutianChat/services/chatbot/services"
	"github.com/AleutianAI/AleutianChat/services/chatbot/session"
)

// sessionCookie is the cookie carrying the session identifier between
// visits. The name matches the widget.
const sessionCookie = "sessionId"

// Per-connection message budget: sustained and burst.
const (
	messagesPerSecond = 2
	messageBurst      = 5
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// wsConn wraps a websocket connection so multiple pipeline goroutines can
// write to it. gorilla/websocket allows only one concurrent writer.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) Send(env datatypes.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(env)
}

// HandleChatWebSocket upgrades the connection and runs the chat protocol
// until the client disconnects.
//
// The session identifier comes from the sessionId cookie; a missing or
// malformed cookie gets a freshly minted identifier pushed back over the
// socket as a set-cookie event. Reconnects with a known identifier replay
// the stored conversation as a load_chat event before any new traffic.
func HandleChatWebSocket(store *session.Store, pipeline *services.Pipeline,
	log *conversation.FileLog, metrics *observability.ChatMetrics) gin.HandlerFunc {

	return func(c *gin.Context) {
		sessionID, isNew := sessionIDFromCookie(c)

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()
		ws.SetReadLimit(datatypes.MaxMessageContentBytes + 4096)

		conn := &wsConn{ws: ws}
		sess, err := store.Attach(sessionID, conn)
		if err != nil {
			slog.Error("rejecting websocket, bad session id", "error", err)
			return
		}
		metrics.ConnectionOpened()
		metrics.SetActiveSessions(store.Len())
		slog.Info("websocket client connected", "session_id", sessionID, "new_session", isNew)

		defer func() {
			evicted := store.Detach(sess, conn)
			metrics.ConnectionClosed()
			metrics.SetActiveSessions(store.Len())
			slog.Info("websocket client disconnected", "session_id", sessionID, "session_evicted", evicted)
		}()

		if isNew {
			if err := sendEvent(conn, datatypes.EventSetCookie, datatypes.SetCookie{
				Name:  sessionCookie,
				Value: sessionID,
			}); err != nil {
				return
			}
		} else {
			replayHistory(conn, log, sessionID)
		}

		limiter := rate.NewLimiter(rate.Limit(messagesPerSecond), messageBurst)

		// Each message runs in its own goroutine so the read loop keeps
		// draining the socket while a turn is in flight. A second message
		// from the same session then reaches the admission guard and is
		// rejected Busy immediately instead of queueing in the socket.
		var inflight sync.WaitGroup
		defer inflight.Wait()

		for {
			var env datatypes.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Warn("websocket read failed", "session_id", sessionID, "error", err)
				}
				return
			}
			if env.Event != datatypes.EventChatMessage {
				slog.Warn("ignoring unknown event", "session_id", sessionID, "event", env.Event)
				continue
			}

			if !limiter.Allow() {
				sendAck(conn, env.AckID, datatypes.Ack{
					Status: datatypes.AckStatusError,
					Error:  "too many messages, slow down",
				})
				continue
			}

			var req datatypes.ChatMessageRequest
			if err := json.Unmarshal(env.Data, &req); err != nil {
				sendAck(conn, env.AckID, datatypes.Ack{
					Status: datatypes.AckStatusError,
					Error:  "malformed chat_message payload",
				})
				continue
			}
			if err := req.Validate(); err != nil {
				sendAck(conn, env.AckID, datatypes.Ack{
					Status: datatypes.AckStatusError,
					Error:  "invalid message",
				})
				continue
			}

			ackID := env.AckID
			message := req.UserMessage
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				sanitized, err := pipeline.HandleMessage(c.Request.Context(), sess, conn, message)
				if err != nil {
					sendAck(conn, ackID, datatypes.Ack{
						Status: datatypes.AckStatusError,
						Error:  ackError(err),
					})
					return
				}
				sendAck(conn, ackID, datatypes.Ack{
					Status:   datatypes.AckStatusOK,
					Sanitize: sanitized,
				})
			}()
		}
	}
}

// sessionIDFromCookie returns the validated session id from the request,
// or a fresh one when the cookie is absent or unusable.
func sessionIDFromCookie(c *gin.Context) (string, bool) {
	id, err := c.Cookie(sessionCookie)
	if err == nil && validation.ValidateSessionID(id) == nil {
		return id, false
	}
	return session.NewSessionID(), true
}

// replayHistory pushes the stored conversation to a reconnecting client.
// A recognized session always gets a load_chat event, empty transcript
// included. A corrupt log is logged and skipped.
func replayHistory(conn *wsConn, log *conversation.FileLog, sessionID string) {
	turns, err := log.LoadTurns(sessionID)
	if err != nil {
		slog.Error("could not replay conversation", "session_id", sessionID, "error", err)
		return
	}
	if turns == nil {
		turns = []datatypes.ConversationTurn{}
	}
	if err := sendEvent(conn, datatypes.EventLoadChat, turns); err != nil {
		slog.Warn("sending load_chat failed", "session_id", sessionID, "error", err)
	}
}

func sendEvent(conn *wsConn, event string, payload any) error {
	env, err := datatypes.NewEnvelope(event, payload)
	if err != nil {
		slog.Error("encoding websocket event", "event", event, "error", err)
		return err
	}
	return conn.Send(env)
}

func sendAck(conn *wsConn, ackID int64, ack datatypes.Ack) {
	if ackID == 0 {
		return
	}
	data, err := json.Marshal(ack)
	if err != nil {
		slog.Error("encoding ack", "error", err)
		return
	}
	if err := conn.Send(datatypes.Envelope{
		Event: datatypes.EventAck,
		Data:  data,
		AckID: ackID,
	}); err != nil {
		slog.Warn("sending ack failed", "error", err)
	}
}

// ackError maps pipeline errors to client-facing ack messages.
func ackError(err error) string {
	switch {
	case errors.Is(err, services.ErrBusy):
		return "chatbot is processing the previous message"
	case errors.Is(err, services.ErrInvalidMessage):
		return "invalid message"
	default:
		return "internal error"
	}
}
