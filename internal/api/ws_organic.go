package api

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"memtier/internal/auth"
	"memtier/internal/config"
	"memtier/internal/memory"
)

// OrganicSource surfaces memories for conversational context, best-effort.
type OrganicSource interface {
	Surface(ctx context.Context, userID, conversationID string, recentMessages []string, limit int) []memory.RankedCandidate
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// organicRequest is one turn's worth of conversational context pushed by
// the client.
type organicRequest struct {
	ConversationID string   `json:"conversation_id"`
	RecentMessages []string `json:"recent_messages"`
	Limit          int      `json:"limit"`
}

type organicResponse struct {
	ConversationID string                   `json:"conversation_id"`
	Memories       []memory.RankedCandidate `json:"memories"`
}

// WSOrganicHandler pushes organically recalled memories over a websocket.
// Browsers cannot set headers on websocket requests, so the token is also
// accepted as a query parameter.
func WSOrganicHandler(cfg *config.Config, recaller OrganicSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "Missing token"}})
			return
		}
		token = strings.TrimPrefix(token, "Bearer ")
		claims, err := auth.ParseJWT(cfg.Server.JWTSecret, token)
		if err != nil || claims.UserID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "Invalid or expired token"}})
			return
		}

		conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("[WSOrganic] Upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		for {
			var req organicRequest
			if err := conn.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("[WSOrganic] Read error: %v", err)
				}
				return
			}
			if req.ConversationID == "" {
				continue
			}

			memories := recaller.Surface(c.Request.Context(), claims.UserID, req.ConversationID, req.RecentMessages, req.Limit)
			if len(memories) == 0 {
				continue // nothing worth surfacing this turn
			}
			resp := organicResponse{ConversationID: req.ConversationID, Memories: memories}
			if err := conn.WriteJSON(resp); err != nil {
				log.Printf("[WSOrganic] Write error: %v", err)
				return
			}
		}
	}
}
