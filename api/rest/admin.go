package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/guildforge/server/config"
	"github.com/guildforge/server/model"
	"gorm.io/gorm"
)

// AdminHandler exposes operational endpoints, gated by the admin key and
// the admin IP whitelist.
type AdminHandler struct {
	db  *gorm.DB
	srv config.ServerConfig
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(db *gorm.DB, srv config.ServerConfig) *AdminHandler {
	return &AdminHandler{db: db, srv: srv}
}

// CheckKey rejects requests without the configured admin key.
func (h *AdminHandler) CheckKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.srv.AdminKey == "" || c.GetHeader("X-Admin-Key") != h.srv.AdminKey {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// Stats handles GET /api/admin/stats.
func (h *AdminHandler) Stats(c *gin.Context) {
	var users, guilds, memberships, pending int64
	if err := h.db.Model(&model.User{}).Count(&users).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	h.db.Model(&model.Guild{}).Count(&guilds)
	h.db.Model(&model.GuildMembership{}).Count(&memberships)
	h.db.Model(&model.GuildMembership{}).
		Where("status = ?", model.StatusPending).Count(&pending)

	c.JSON(http.StatusOK, gin.H{
		"users":           users,
		"guilds":          guilds,
		"memberships":     memberships,
		"pending_invites": pending,
	})
}

// AuditTrail handles GET /api/admin/audit?guild_id=&limit=.
func (h *AdminHandler) AuditTrail(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	q := h.db.Model(&model.AuditLog{}).Order("id DESC").Limit(limit)
	if gidStr := c.Query("guild_id"); gidStr != "" {
		gid, err := strconv.ParseInt(gidStr, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid guild_id"})
			return
		}
		q = q.Where("guild_id = ?", gid)
	}

	var logs []model.AuditLog
	if err := q.Find(&logs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": logs, "count": len(logs)})
}

// Register mounts admin routes on the given router group.
func (h *AdminHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/stats", h.Stats)
	rg.GET("/audit", h.AuditTrail)
}
