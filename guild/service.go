package guild

import (
	"context"
	"errors"
	"strings"

	"github.com/guildforge/server/config"
	"github.com/guildforge/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service owns the guild lifecycle and the membership state machine.
type Service struct {
	db     *gorm.DB
	cfg    config.GuildConfig
	logger *zap.Logger
}

// NewService creates a guild Service.
func NewService(db *gorm.DB, cfg config.GuildConfig, logger *zap.Logger) *Service {
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 20
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 100
	}
	return &Service{db: db, cfg: cfg, logger: logger}
}

// Slugify derives a URL-safe slug from a guild name: lowercase, whitespace
// collapsed to hyphens, everything outside [a-z0-9-] dropped, at most 100
// characters.
func Slugify(name string) string {
	var b strings.Builder
	for _, field := range strings.Fields(strings.ToLower(name)) {
		if b.Len() > 0 {
			b.WriteByte('-')
		}
		b.WriteString(field)
	}
	var out strings.Builder
	for _, r := range b.String() {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			out.WriteRune(r)
		}
	}
	s := out.String()
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	Name        string
	Slug        string // optional explicit slug; derived from Name when empty
	Description string
	Settings    map[string]interface{}
	OwnerID     int64
}

// Create makes a new guild and bootstraps the owner's membership. The guild
// is never visible without its owner membership; both rows and the initial
// member count are written in one transaction.
func (svc *Service) Create(ctx context.Context, params CreateParams) (*model.Guild, error) {
	slug := params.Slug
	if slug == "" {
		slug = Slugify(params.Name)
	}

	settings, err := NormalizeSettings(params.Settings)
	if err != nil {
		return nil, err
	}

	// Advisory pre-check for a friendlier error; the unique index on slug is
	// the real arbiter.
	var count int64
	if err := svc.db.WithContext(ctx).Model(&model.Guild{}).Where("slug = ?", slug).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrConflict
	}

	guild := &model.Guild{
		Slug:        slug,
		Name:        params.Name,
		Description: params.Description,
		OwnerID:     params.OwnerID,
		Settings:    marshalSettings(settings),
		MemberCount: 1, // owner is a member from the start
	}
	err = svc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(guild).Error; err != nil {
			return err
		}
		return svc.bootstrapOwner(tx, guild.ID, params.OwnerID)
	})
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the slug race to a concurrent creator.
			return nil, ErrConflict
		}
		return nil, err
	}

	svc.logger.Info("guild created",
		zap.Int64("guild_id", guild.ID),
		zap.String("slug", guild.Slug),
		zap.Int64("owner_id", params.OwnerID))
	return guild, nil
}

// UpdateParams is a partial guild update. Nil fields are left untouched.
type UpdateParams struct {
	Name        *string
	Description *string
	Settings    map[string]interface{}
}

// Update applies a partial update. Settings are validated and merged field
// by field over the stored record.
func (svc *Service) Update(ctx context.Context, guildID int64, patch UpdateParams, userID int64) (*model.Guild, error) {
	guild, err := svc.getGuild(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if err := svc.ensureManage(ctx, guild, userID); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if patch.Name != nil {
		updates["name"] = *patch.Name
	}
	if patch.Description != nil {
		updates["description"] = *patch.Description
	}
	if patch.Settings != nil {
		merged, err := MergeSettings(unmarshalSettings(guild.Settings), patch.Settings)
		if err != nil {
			return nil, err
		}
		updates["settings"] = marshalSettings(merged)
	}
	if len(updates) == 0 {
		return guild, nil
	}

	if err := svc.db.WithContext(ctx).Model(guild).Updates(updates).Error; err != nil {
		return nil, err
	}
	return svc.getGuild(ctx, guildID)
}

// Delete removes a guild and all of its memberships. Only the owner may
// delete; an elevated role is not enough.
func (svc *Service) Delete(ctx context.Context, guildID, userID int64) error {
	guild, err := svc.getGuild(ctx, guildID)
	if err != nil {
		return err
	}
	if guild.OwnerID != userID {
		return ErrForbidden
	}
	return svc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("guild_id = ?", guildID).Delete(&model.GuildMembership{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Guild{}, guildID).Error
	})
}

// Detail is a guild together with its membership rows.
type Detail struct {
	Guild   *model.Guild            `json:"guild"`
	Members []model.GuildMembership `json:"members"`
}

// Get returns a guild and its memberships by ID.
func (svc *Service) Get(ctx context.Context, guildID int64) (*Detail, error) {
	guild, err := svc.getGuild(ctx, guildID)
	if err != nil {
		return nil, err
	}
	return svc.detail(ctx, guild)
}

// GetBySlug returns a guild and its memberships by slug.
func (svc *Service) GetBySlug(ctx context.Context, slug string) (*Detail, error) {
	var guild model.Guild
	err := svc.db.WithContext(ctx).Where("slug = ?", slug).First(&guild).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return svc.detail(ctx, &guild)
}

func (svc *Service) detail(ctx context.Context, guild *model.Guild) (*Detail, error) {
	var members []model.GuildMembership
	if err := svc.db.WithContext(ctx).Where("guild_id = ?", guild.ID).Find(&members).Error; err != nil {
		return nil, err
	}
	return &Detail{Guild: guild, Members: members}, nil
}

// SearchResult is one page of guild search results.
type SearchResult struct {
	Items []model.Guild `json:"items"`
	Total int64         `json:"total"`
	Page  int           `json:"page"`
	Size  int           `json:"size"`
}

// Search lists guilds matching query as a case-insensitive substring of
// name or description. An empty query matches everything.
func (svc *Service) Search(ctx context.Context, query string, page, size int) (*SearchResult, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = svc.cfg.DefaultPageSize
	}
	if size > svc.cfg.MaxPageSize {
		size = svc.cfg.MaxPageSize
	}

	q := svc.db.WithContext(ctx).Model(&model.Guild{})
	if query != "" {
		pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
		q = q.Where(`LOWER(name) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\'`, pattern, pattern)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, err
	}
	var items []model.Guild
	if err := q.Offset(page * size).Limit(size).Find(&items).Error; err != nil {
		return nil, err
	}
	return &SearchResult{Items: items, Total: total, Page: page, Size: size}, nil
}

func (svc *Service) getGuild(ctx context.Context, guildID int64) (*model.Guild, error) {
	var guild model.Guild
	err := svc.db.WithContext(ctx).First(&guild, guildID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &guild, nil
}

// escapeLike neutralizes LIKE metacharacters so user queries match as
// literal substrings.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// isUniqueViolation detects duplicate-key errors from common database drivers.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "already exists")
}
