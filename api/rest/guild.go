package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/guildforge/server/audit"
	"github.com/guildforge/server/cache"
	"github.com/guildforge/server/guild"
	mw "github.com/guildforge/server/middleware"
	"github.com/guildforge/server/model"
	"go.uber.org/zap"
)

// GuildHandler exposes the guild service over REST.
type GuildHandler struct {
	svc    *guild.Service
	audit  *audit.Service
	pubsub cache.PubSub
	logger *zap.Logger
}

// NewGuildHandler creates a GuildHandler. audit and pubsub are optional;
// nil disables the respective side channel.
func NewGuildHandler(svc *guild.Service, auditSvc *audit.Service, ps cache.PubSub, logger *zap.Logger) *GuildHandler {
	return &GuildHandler{svc: svc, audit: auditSvc, pubsub: ps, logger: logger}
}

// writeError maps guild service sentinel errors to HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, guild.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, guild.ErrForbidden), errors.Is(err, guild.ErrNotAMember):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, guild.ErrConflict), errors.Is(err, guild.ErrAlreadyMember):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, guild.ErrNoPendingInvite),
		errors.Is(err, guild.ErrOwnerCannotLeave),
		errors.Is(err, guild.ErrGuildFull),
		errors.Is(err, guild.ErrInvalidRole),
		errors.Is(err, guild.ErrInvalidFormat),
		errors.Is(err, guild.ErrInvalidType),
		errors.Is(err, guild.ErrInvalidValue):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *GuildHandler) record(c *gin.Context, action string, guildID *int64, req, resp interface{}, err error, start time.Time) {
	if h.audit == nil {
		return
	}
	entry := audit.Entry{
		TraceID:    mw.GetTraceID(c),
		GuildID:    guildID,
		Action:     action,
		Request:    req,
		Response:   resp,
		IP:         c.ClientIP(),
		DurationMs: int(time.Since(start).Milliseconds()),
	}
	if uid := mw.GetUserID(c); uid != 0 {
		entry.UserID = &uid
	}
	if err != nil {
		entry.Error = err.Error()
	}
	h.audit.Log(entry)
}

// guildEvent is the payload published on the per-guild activity channel.
type guildEvent struct {
	Type    string `json:"type"`
	GuildID int64  `json:"guild_id"`
	UserID  int64  `json:"user_id,omitempty"`
	At      int64  `json:"at"`
}

func (h *GuildHandler) publish(guildID int64, eventType string, userID int64) {
	if h.pubsub == nil {
		return
	}
	payload, _ := json.Marshal(guildEvent{
		Type:    eventType,
		GuildID: guildID,
		UserID:  userID,
		At:      time.Now().Unix(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	channel := "guild:" + strconv.FormatInt(guildID, 10)
	if err := h.pubsub.Publish(ctx, channel, string(payload)); err != nil {
		h.logger.Warn("event publish failed",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

type createGuildRequest struct {
	Name        string                 `json:"name" binding:"required,min=1,max=100"`
	Slug        string                 `json:"slug"`
	Description string                 `json:"description"`
	Settings    map[string]interface{} `json:"settings"`
}

// Create handles POST /api/guilds.
func (h *GuildHandler) Create(c *gin.Context) {
	start := time.Now()
	var req createGuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := mw.GetUserID(c)
	g, err := h.svc.Create(c.Request.Context(), guild.CreateParams{
		Name:        req.Name,
		Slug:        req.Slug,
		Description: req.Description,
		Settings:    req.Settings,
		OwnerID:     userID,
	})
	if err != nil {
		h.record(c, "guild_create", nil, req, nil, err, start)
		writeError(c, err)
		return
	}

	h.record(c, "guild_create", &g.ID, req, g, nil, start)
	h.publish(g.ID, "guild_created", userID)
	c.JSON(http.StatusCreated, g)
}

// Get handles GET /api/guilds/:id.
func (h *GuildHandler) Get(c *gin.Context) {
	guildID, ok := pathID(c, "id")
	if !ok {
		return
	}
	detail, err := h.svc.Get(c.Request.Context(), guildID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// GetBySlug handles GET /api/guilds/slug/:slug.
func (h *GuildHandler) GetBySlug(c *gin.Context) {
	slug := c.Param("slug")
	detail, err := h.svc.GetBySlug(c.Request.Context(), slug)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// Search handles GET /api/guilds?q=&page=&size=.
func (h *GuildHandler) Search(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "0"))
	result, err := h.svc.Search(c.Request.Context(), c.Query("q"), page, size)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type updateGuildRequest struct {
	Name        *string                `json:"name"`
	Description *string                `json:"description"`
	Settings    map[string]interface{} `json:"settings"`
}

// Update handles PUT /api/guilds/:id.
func (h *GuildHandler) Update(c *gin.Context) {
	start := time.Now()
	guildID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req updateGuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := mw.GetUserID(c)
	g, err := h.svc.Update(c.Request.Context(), guildID, guild.UpdateParams{
		Name:        req.Name,
		Description: req.Description,
		Settings:    req.Settings,
	}, userID)
	if err != nil {
		h.record(c, "guild_update", &guildID, req, nil, err, start)
		writeError(c, err)
		return
	}

	h.record(c, "guild_update", &guildID, req, g, nil, start)
	h.publish(guildID, "guild_updated", userID)
	c.JSON(http.StatusOK, g)
}

// Delete handles DELETE /api/guilds/:id.
func (h *GuildHandler) Delete(c *gin.Context) {
	start := time.Now()
	guildID, ok := pathID(c, "id")
	if !ok {
		return
	}

	userID := mw.GetUserID(c)
	if err := h.svc.Delete(c.Request.Context(), guildID, userID); err != nil {
		h.record(c, "guild_delete", &guildID, nil, nil, err, start)
		writeError(c, err)
		return
	}

	h.record(c, "guild_delete", &guildID, nil, nil, nil, start)
	h.publish(guildID, "guild_deleted", userID)
	c.JSON(http.StatusOK, gin.H{"message": "guild deleted"})
}

type inviteRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Role   string `json:"role"`
}

// Invite handles POST /api/guilds/:id/invites.
func (h *GuildHandler) Invite(c *gin.Context) {
	start := time.Now()
	guildID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req inviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inviterID := mw.GetUserID(c)
	m, token, err := h.svc.Invite(c.Request.Context(), guildID, req.UserID, model.Role(req.Role), inviterID)
	if err != nil {
		h.record(c, "guild_invite", &guildID, req, nil, err, start)
		writeError(c, err)
		return
	}

	resp := gin.H{"membership": m, "invitation_token": token}
	h.record(c, "guild_invite", &guildID, req, resp, nil, start)
	h.publish(guildID, "member_invited", req.UserID)
	c.JSON(http.StatusCreated, resp)
}

type approveRequest struct {
	Token string `json:"token"`
}

// Approve handles POST /api/guilds/:id/approve. With a token in the body
// it approves the invite holding that token; without one it approves the
// caller's own pending invite.
func (h *GuildHandler) Approve(c *gin.Context) {
	start := time.Now()
	guildID, ok := pathID(c, "id")
	if !ok {
		return
	}
	// An empty body approves the caller's own pending invite.
	var req approveRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	userID := mw.GetUserID(c)
	var (
		m   *model.GuildMembership
		err error
	)
	if req.Token != "" {
		m, err = h.svc.ApproveByToken(c.Request.Context(), guildID, req.Token, userID)
	} else {
		m, err = h.svc.ApproveForUser(c.Request.Context(), guildID, userID)
	}
	if err != nil {
		h.record(c, "guild_approve", &guildID, req, nil, err, start)
		writeError(c, err)
		return
	}

	h.record(c, "guild_approve", &guildID, req, m, nil, start)
	h.publish(guildID, "member_approved", m.UserID)
	c.JSON(http.StatusOK, m)
}

// Join handles POST /api/guilds/:id/join.
func (h *GuildHandler) Join(c *gin.Context) {
	start := time.Now()
	guildID, ok := pathID(c, "id")
	if !ok {
		return
	}

	userID := mw.GetUserID(c)
	m, err := h.svc.Join(c.Request.Context(), guildID, userID)
	if err != nil {
		h.record(c, "guild_join", &guildID, nil, nil, err, start)
		writeError(c, err)
		return
	}

	h.record(c, "guild_join", &guildID, nil, m, nil, start)
	h.publish(guildID, "member_joined", userID)
	c.JSON(http.StatusOK, m)
}

// Leave handles POST /api/guilds/:id/leave.
func (h *GuildHandler) Leave(c *gin.Context) {
	start := time.Now()
	guildID, ok := pathID(c, "id")
	if !ok {
		return
	}

	userID := mw.GetUserID(c)
	if err := h.svc.Leave(c.Request.Context(), guildID, userID); err != nil {
		h.record(c, "guild_leave", &guildID, nil, nil, err, start)
		writeError(c, err)
		return
	}

	h.record(c, "guild_leave", &guildID, nil, nil, nil, start)
	h.publish(guildID, "member_left", userID)
	c.JSON(http.StatusOK, gin.H{"message": "left guild"})
}

type assignRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

// AssignRole handles PUT /api/guilds/:id/members/:userId/role.
func (h *GuildHandler) AssignRole(c *gin.Context) {
	start := time.Now()
	guildID, ok := pathID(c, "id")
	if !ok {
		return
	}
	targetID, ok := pathID(c, "userId")
	if !ok {
		return
	}
	var req assignRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	byUserID := mw.GetUserID(c)
	m, err := h.svc.AssignRole(c.Request.Context(), guildID, targetID, model.Role(req.Role), byUserID)
	if err != nil {
		h.record(c, "guild_assign_role", &guildID, req, nil, err, start)
		writeError(c, err)
		return
	}

	h.record(c, "guild_assign_role", &guildID, req, m, nil, start)
	h.publish(guildID, "role_assigned", targetID)
	c.JSON(http.StatusOK, m)
}

// Register mounts all guild routes on the given (already authenticated)
// router group.
func (h *GuildHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/guilds", h.Create)
	rg.GET("/guilds", h.Search)
	rg.GET("/guilds/:id", h.Get)
	rg.GET("/guilds/slug/:slug", h.GetBySlug)
	rg.PUT("/guilds/:id", h.Update)
	rg.DELETE("/guilds/:id", h.Delete)
	rg.POST("/guilds/:id/invites", h.Invite)
	rg.POST("/guilds/:id/approve", h.Approve)
	rg.POST("/guilds/:id/join", h.Join)
	rg.POST("/guilds/:id/leave", h.Leave)
	rg.PUT("/guilds/:id/members/:userId/role", h.AssignRole)
}
