package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/nfshanq/ptyctl/src/registry"
)

// monitorUpgrader leaves the origin check open: this is an operator
// convenience endpoint, not a browser-facing product surface with a fixed
// origin.
var monitorUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type monitorMessage struct {
	Type string `json:"type"` // "output" | "error" | "closed"
	Data string `json:"data,omitempty"`
}

// monitorHandler serves GET /monitor/:session_id: it replays the ring
// buffer's tail, then streams new bytes as they're appended. It never
// writes to the session; there is no
// inbound message handling at all, which is what keeps this endpoint safe
// to leave reachable under control_mode=readonly alongside the control
// socket's read-only session_io.
func monitorHandler(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("session_id")
		sess, err := reg.Get(sessionID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		conn, err := monitorUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logrus.WithError(err).Warn("monitor: websocket upgrade failed")
			return
		}
		defer conn.Close()

		tail := sess.Buffer.Tail(64*1024, 0)
		_, cursor := sess.Buffer.Cursors()
		if len(tail) > 0 {
			if err := conn.WriteJSON(monitorMessage{Type: "output", Data: string(tail)}); err != nil {
				return
			}
		}

		for {
			result := sess.Buffer.ReadFrom(cursor, 64*1024, time.Now().Add(5*time.Second))
			if result.TimedOut {
				if conn.WriteMessage(websocket.PingMessage, nil) != nil {
					return
				}
				continue
			}
			cursor = result.NextCursor
			if len(result.Bytes) == 0 {
				continue
			}
			if err := conn.WriteJSON(monitorMessage{Type: "output", Data: string(result.Bytes)}); err != nil {
				return
			}
		}
	}
}
