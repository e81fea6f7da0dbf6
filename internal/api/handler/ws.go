package handler

import (
	"net/http"
	"strconv"
	"strings"

	"roomchat/backend/internal/chaterr"
	"roomchat/backend/internal/chathub"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is enforced by the fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// parseResume reads "room:cursor,room". A room without a cursor rejoins
// live-only.
func parseResume(raw string) (map[string]*uint64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	out := make(map[string]*uint64)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		room, cursor, found := strings.Cut(part, ":")
		if room == "" {
			return nil, chaterr.Validation("resume", "empty room id")
		}
		if !found {
			out[room] = nil
			continue
		}
		seq, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, chaterr.Validation("resume", "bad cursor for room "+room)
		}
		out[room] = &seq
	}
	return out, nil
}

// ServeWebSocket upgrades an authenticated request and registers the
// connection. ?resume= lists the rooms to rejoin with their last seen
// sequence ids.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	userID := currentUser(c)
	resume, err := parseResume(c.Query("resume"))
	if err != nil {
		h.fail(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := chathub.NewWebSocketClient(conn, h.Hub, &frameHandler{h: h}, userID, h.outbound, h.maxFrameBytes, h.log)
	if err := h.Hub.Register(c.Request.Context(), client, resume); err != nil {
		h.log.Warn().Err(err).Str("user_id", userID).Msg("register failed")
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "unavailable"))
		conn.Close()
		return
	}
	client.Run()
}
