package handler

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saivats/Digi-Kul-sub000/internal/hub"
	"github.com/saivats/Digi-Kul-sub000/pkg/wire"
)

// writeWait bounds a single write so a stalled client cannot wedge the
// write pump.
const writeWait = 10 * time.Second

// SessionWSHandler handles the persistent event channel at /ws.
// A connection is session-agnostic until the client sends join_session.
type SessionWSHandler struct {
	hub        *hub.Hub
	maxMsgSize int64
	logger     *zap.Logger
}

// NewSessionWSHandler creates the channel handler.
func NewSessionWSHandler(h *hub.Hub, maxMsgSize int64, logger *zap.Logger) *SessionWSHandler {
	return &SessionWSHandler{hub: h, maxMsgSize: maxMsgSize, logger: logger}
}

// ServeWS upgrades the request and runs the channel pumps.
func (h *SessionWSHandler) ServeWS(c *gin.Context) {
	conn, err := h.hub.Upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	if h.maxMsgSize > 0 {
		conn.SetReadLimit(h.maxMsgSize)
	}

	peer := h.hub.NewPeer(conn)
	defer h.hub.DropPeer(peer)

	go h.writePump(peer, conn)
	h.readPump(peer, conn)
}

func (h *SessionWSHandler) readPump(p *hub.Peer, conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("read error", zap.Error(err))
			}
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.logger.Debug("malformed envelope dropped", zap.String("user_id", p.UserID))
			continue
		}
		h.hub.HandleEvent(p, env)
	}
}

// writePump is the connection's only writer. It drains the send queue,
// including whatever was queued before the peer closed, then closes the
// connection to unblock the read pump.
func (h *SessionWSHandler) writePump(p *hub.Peer, conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()
	for data := range p.Send {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
}
