package sse

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/guildforge/server/cache"
	"github.com/guildforge/server/config"
	mw "github.com/guildforge/server/middleware"
	"go.uber.org/zap"
)

const keepaliveInterval = 25 * time.Second

// Handler streams per-guild activity events over Server-Sent Events.
type Handler struct {
	pubsub cache.PubSub
	cache  cache.Cache
	sec    config.SecurityConfig
	logger *zap.Logger
}

// NewHandler creates an SSE Handler.
func NewHandler(ps cache.PubSub, c cache.Cache, sec config.SecurityConfig, logger *zap.Logger) *Handler {
	return &Handler{pubsub: ps, cache: c, sec: sec, logger: logger}
}

// Events handles GET /api/guilds/:id/events?token=<jwt>.
// EventSource cannot set headers, so the token rides in the query string.
func (h *Handler) Events(c *gin.Context) {
	guildID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || guildID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	tokenStr := c.Query("token")
	claims, err := mw.ParseToken(tokenStr, h.sec.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	checkCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	exists, err := h.cache.Exists(checkCtx, "session:"+tokenStr)
	cancel()
	if err != nil || !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
		return
	}

	channel := "guild:" + strconv.FormatInt(guildID, 10)
	msgs, unsubscribe, err := h.pubsub.Subscribe(c.Request.Context(), channel)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscribe failed"})
		return
	}
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	h.logger.Info("event stream opened",
		zap.Int64("guild_id", guildID),
		zap.Int64("user_id", claims.UserID))

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"guild_id\":%d}\n\n", guildID)
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case msg, open := <-msgs:
			if !open {
				return
			}
			fmt.Fprintf(c.Writer, "event: guild\ndata: %s\n\n", msg.Payload)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
