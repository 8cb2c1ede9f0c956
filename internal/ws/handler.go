// Package ws implements the session/presence service (C3) and message
// router (C4): it upgrades HTTP connections to websockets, resolves each
// socket to a durable user session with grace-period reconnect, and routes
// chat text and file-announcement events to all connected peers.
package ws

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"zher/internal/core"
	"zher/internal/protocol"
)

const writeTimeout = 5 * time.Second
const maxMessageBytes = 1 << 20

// Handler owns websocket transport and inbound event dispatch.
type Handler struct {
	state    *core.State
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to state.
func NewHandler(state *core.State) *Handler {
	return &Handler{
		state: state,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	remoteAddr := c.RealIP()
	userAgent := c.Request().UserAgent()
	serverURL := requestOrigin(c.Request())

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, remoteAddr, userAgent, serverURL)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn, remoteAddr, userAgent, serverURL string) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Time{})
	conn.SetReadLimit(maxMessageBytes)

	var first protocol.Frame
	if err := conn.ReadJSON(&first); err != nil {
		slog.Debug("ws read connect frame failed", "remote", remoteAddr, "err", err)
		return
	}
	if first.Event != protocol.EventConnect {
		slog.Debug("ws first frame not connect", "remote", remoteAddr, "event", first.Event)
		return
	}
	var connectPayload protocol.ConnectPayload
	if len(first.Data) > 0 {
		if err := json.Unmarshal(first.Data, &connectPayload); err != nil {
			slog.Debug("ws bad connect payload", "remote", remoteAddr, "err", err)
			return
		}
	}

	if !h.state.CheckRoomCode(connectPayload.RoomCode) {
		slog.Warn("ws admission rejected", "remote", remoteAddr)
		return
	}

	socketID := uuid.NewString()
	sessionKey := connectPayload.SessionID
	if sessionKey == "" {
		sessionKey = uuid.NewString()
	}

	user, allUsers, kind, send := h.state.Connect(socketID, sessionKey, userAgent)
	slog.Info("ws connected", "socket_id", socketID, "user_id", user.ID, "remote", remoteAddr, "kind", kind)

	defer func() {
		userID, broadcastLeft, removedFiles := h.state.Disconnect(socketID)
		if len(removedFiles) > 0 {
			slog.Debug("ws file owners cleared", "socket_id", socketID, "count", len(removedFiles))
		}
		if broadcastLeft {
			slog.Info("ws disconnected", "socket_id", socketID, "user_id", userID)
			if frame, err := protocol.NewFrame(protocol.EventUserLeft, userID); err == nil {
				h.state.Broadcast(frame, socketID)
			}
		}
	}()

	go func() {
		for frame := range send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				slog.Debug("ws write error", "socket_id", socketID, "event", frame.Event, "err", err)
				return
			}
		}
	}()

	if welcome, err := protocol.NewFrame(protocol.EventWelcome, protocol.WelcomePayload{
		User:      user,
		AllUsers:  allUsers,
		ServerURL: serverURL,
	}); err == nil {
		h.state.SendTo(socketID, welcome)
	}

	// Only a brand-new session announces user-joined. A reconnect within
	// the grace period was already seen leaving (user-left), so instead of
	// a second join event everyone else's roster is refreshed directly.
	// Attaching an additional socket to an already-live session is
	// invisible to peers either way.
	switch kind {
	case core.ConnectFresh:
		if frame, err := protocol.NewFrame(protocol.EventUserJoined, user); err == nil {
			h.state.Broadcast(frame, socketID)
		}
	case core.ConnectReconnect:
		if frame, err := protocol.NewFrame(protocol.EventUpdateUserList, allUsers); err == nil {
			h.state.Broadcast(frame, socketID)
		}
	case core.ConnectAdditionalSocket:
	}

	for {
		var in protocol.Frame
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws unexpected close", "socket_id", socketID, "err", err)
			}
			return
		}
		h.handleInbound(socketID, in)
	}
}

func (h *Handler) handleInbound(socketID string, in protocol.Frame) {
	switch in.Event {
	case protocol.EventRequestNameChange:
		h.handleRequestNameChange(socketID, in)
	case protocol.EventTextMessage:
		h.handleTextMessage(socketID, in)
	case protocol.EventFileMeta:
		h.handleFileMeta(socketID, in)
	default:
		slog.Warn("ws unknown event", "socket_id", socketID, "event", in.Event)
	}
}

func (h *Handler) handleRequestNameChange(socketID string, in protocol.Frame) {
	var name string
	if err := json.Unmarshal(in.Data, &name); err != nil {
		slog.Debug("ws bad request-name-change payload", "socket_id", socketID, "err", err)
		return
	}

	final, ok, allUsers := h.state.RenameUser(socketID, name)
	if !ok {
		// English text here; the original error string is localized (Chinese).
		if frame, err := protocol.NewFrame(protocol.EventNameChangeFail, "name must be between 1 and 24 characters"); err == nil {
			h.state.SendTo(socketID, frame)
		}
		return
	}

	if frame, err := protocol.NewFrame(protocol.EventNameChangeSuccess, final); err == nil {
		h.state.SendTo(socketID, frame)
	}
	if frame, err := protocol.NewFrame(protocol.EventUpdateUserList, allUsers); err == nil {
		h.state.Broadcast(frame, "")
	}
}

func (h *Handler) handleTextMessage(socketID string, in protocol.Frame) {
	var text string
	if err := json.Unmarshal(in.Data, &text); err != nil {
		slog.Debug("ws bad text-message payload", "socket_id", socketID, "err", err)
		return
	}

	sender, ok := h.state.ResolveSender(socketID)
	if !ok {
		return
	}

	msg := protocol.TextMessage{
		ID:           time.Now().UnixMilli(),
		SenderID:     sender.ID,
		SenderName:   sender.Name,
		SenderColor:  sender.Color,
		SenderDevice: sender.Device,
		Type:         "text",
		Text:         text,
	}
	if frame, err := protocol.NewFrame(protocol.EventMessage, msg); err == nil {
		h.state.Broadcast(frame, "")
	}
}

func (h *Handler) handleFileMeta(socketID string, in protocol.Frame) {
	var meta protocol.FileMeta
	if err := json.Unmarshal(in.Data, &meta); err != nil {
		slog.Debug("ws bad file-meta payload", "socket_id", socketID, "err", err)
		return
	}
	if meta == nil {
		meta = protocol.FileMeta{}
	}

	sender, ok := h.state.ResolveSender(socketID)
	if !ok {
		return
	}

	fileName := meta.String("fileName")
	if fileName == "" {
		fileName = "unknown_file"
	}
	fileSize := meta.Uint64("fileSize")
	fileID := h.state.RegisterFileOwner(socketID, meta.String("fileId"), fileName, fileSize)

	meta["fileId"] = fileID
	meta["fileName"] = fileName
	meta["fileSize"] = fileSize
	meta["id"] = time.Now().UnixMilli()
	meta["senderId"] = sender.ID
	meta["senderName"] = sender.Name
	meta["senderColor"] = sender.Color
	meta["senderDevice"] = sender.Device
	meta["type"] = "file-meta"

	if frame, err := protocol.NewFrame(protocol.EventMessage, meta); err == nil {
		h.state.Broadcast(frame, "")
	}
}

func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}
