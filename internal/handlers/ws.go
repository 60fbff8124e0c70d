// internal/handlers/ws.go
package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"retina-backend/internal/progress"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ProgressSocket streams a session's progress events over a websocket until
// the session reaches a terminal state or the client disconnects. Events
// published before the connection are not replayed.
func ProgressSocket(hub *progress.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionID")
		if _, err := uuid.Parse(sessionID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session id"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("websocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		sub := hub.Subscribe(sessionID)
		defer sub.Close()

		// Reads only detect disconnects; clients never send payloads.
		disconnected := make(chan struct{})
		go func() {
			defer close(disconnected)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case ev, ok := <-sub.C:
				if !ok {
					// terminal event already delivered, close cleanly
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"))
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-disconnected:
				return
			}
		}
	}
}
