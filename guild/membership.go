package guild

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/guildforge/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// bootstrapOwner creates the owner's membership inside the create
// transaction. Runs exactly once per guild.
func (svc *Service) bootstrapOwner(tx *gorm.DB, guildID, ownerID int64) error {
	now := time.Now()
	return tx.Create(&model.GuildMembership{
		UserID:   ownerID,
		GuildID:  guildID,
		Role:     model.RoleOwner,
		Status:   model.StatusApproved,
		JoinedAt: &now,
	}).Error
}

// Invite creates a PENDING membership for targetUserID and returns it with
// the invitation token. The inviter needs management permission. A row of
// any status for the pair, stale invites included, rejects the call; the
// row has to be removed before re-inviting.
func (svc *Service) Invite(ctx context.Context, guildID, targetUserID int64, role model.Role, inviterID int64) (*model.GuildMembership, string, error) {
	guild, err := svc.getGuild(ctx, guildID)
	if err != nil {
		return nil, "", err
	}
	if err := svc.ensureManage(ctx, guild, inviterID); err != nil {
		return nil, "", err
	}

	if role == "" {
		role = model.RoleMember
	}
	if !role.Valid() || role == model.RoleOwner {
		return nil, "", ErrInvalidRole
	}

	var existing model.GuildMembership
	err = svc.db.WithContext(ctx).
		Where("user_id = ? AND guild_id = ?", targetUserID, guildID).
		First(&existing).Error
	if err == nil {
		return nil, "", ErrAlreadyMember
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", err
	}

	token := uuid.NewString()
	m := &model.GuildMembership{
		UserID:          targetUserID,
		GuildID:         guildID,
		Role:            role,
		Status:          model.StatusPending,
		InvitationToken: &token,
		InvitedByID:     &inviterID,
	}
	if err := svc.db.WithContext(ctx).Create(m).Error; err != nil {
		if isUniqueViolation(err) {
			// Row appeared between the check and the insert.
			return nil, "", ErrAlreadyMember
		}
		return nil, "", err
	}

	svc.logger.Info("member invited",
		zap.Int64("guild_id", guildID),
		zap.Int64("user_id", targetUserID),
		zap.Int64("inviter_id", inviterID),
		zap.String("role", string(role)))
	return m, token, nil
}

// ApproveByToken approves the PENDING membership holding the given token.
// The invitee may approve their own invite; anyone else needs management
// permission.
func (svc *Service) ApproveByToken(ctx context.Context, guildID int64, token string, approverID int64) (*model.GuildMembership, error) {
	guild, err := svc.getGuild(ctx, guildID)
	if err != nil {
		return nil, err
	}

	var m model.GuildMembership
	err = svc.db.WithContext(ctx).
		Where("guild_id = ? AND invitation_token = ?", guildID, token).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if m.UserID != approverID {
		if err := svc.ensureManage(ctx, guild, approverID); err != nil {
			return nil, err
		}
	}
	return svc.approve(ctx, guild, &m)
}

// ApproveForUser approves the invitee's own pending membership. Self
// service; no permission check.
func (svc *Service) ApproveForUser(ctx context.Context, guildID, userID int64) (*model.GuildMembership, error) {
	guild, err := svc.getGuild(ctx, guildID)
	if err != nil {
		return nil, err
	}

	var m model.GuildMembership
	err = svc.db.WithContext(ctx).
		Where("user_id = ? AND guild_id = ?", userID, guildID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if m.Status != model.StatusPending {
		return nil, ErrNoPendingInvite
	}
	return svc.approve(ctx, guild, &m)
}

// Join adds userID to the guild. Idempotent when already APPROVED; a
// PENDING row is promoted; otherwise a fresh APPROVED membership is
// created directly.
func (svc *Service) Join(ctx context.Context, guildID, userID int64) (*model.GuildMembership, error) {
	guild, err := svc.getGuild(ctx, guildID)
	if err != nil {
		return nil, err
	}

	var existing model.GuildMembership
	err = svc.db.WithContext(ctx).
		Where("user_id = ? AND guild_id = ?", userID, guildID).
		First(&existing).Error
	switch {
	case err == nil:
		if existing.Status == model.StatusApproved {
			return &existing, nil
		}
		return svc.approve(ctx, guild, &existing)
	case errors.Is(err, gorm.ErrRecordNotFound):
		// fall through to create
	default:
		return nil, err
	}

	if err := svc.checkCapacity(guild); err != nil {
		return nil, err
	}

	now := time.Now()
	m := &model.GuildMembership{
		UserID:   userID,
		GuildID:  guildID,
		Role:     model.RoleMember,
		Status:   model.StatusApproved,
		JoinedAt: &now,
	}
	err = svc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		return svc.bumpMemberCount(tx, guildID, +1)
	})
	if err != nil {
		if isUniqueViolation(err) {
			// Raced a concurrent invite or join for the same pair; the row
			// that won decides the state, so re-evaluate instead of
			// overwriting it.
			return svc.Join(ctx, guildID, userID)
		}
		return nil, err
	}
	return m, nil
}

// Leave removes userID's membership. The owner cannot leave; the guild has
// to be deleted instead.
func (svc *Service) Leave(ctx context.Context, guildID, userID int64) error {
	var m model.GuildMembership
	err := svc.db.WithContext(ctx).
		Where("user_id = ? AND guild_id = ?", userID, guildID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotAMember
	}
	if err != nil {
		return err
	}
	if m.Role == model.RoleOwner {
		return ErrOwnerCannotLeave
	}

	return svc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("user_id = ? AND guild_id = ?", userID, guildID).
			Delete(&model.GuildMembership{})
		if res.Error != nil {
			return res.Error
		}
		// Only an APPROVED membership was ever counted, and a concurrent
		// leave may already have removed the row; decrement only when this
		// delete actually took it out.
		if res.RowsAffected > 0 && m.Status == model.StatusApproved {
			return svc.bumpMemberCount(tx, guildID, -1)
		}
		return nil
	})
}

// AssignRole overwrites the target's role. Status is untouched. OWNER is
// not assignable and the owner's own row cannot be demoted; ownership only
// moves through guild deletion.
func (svc *Service) AssignRole(ctx context.Context, guildID, targetUserID int64, role model.Role, byUserID int64) (*model.GuildMembership, error) {
	if !role.Valid() || role == model.RoleOwner {
		return nil, ErrInvalidRole
	}

	guild, err := svc.getGuild(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if targetUserID == guild.OwnerID {
		// Demoting the owner would leave the guild without an OWNER row and
		// let the owner slip past the leave restriction.
		return nil, ErrForbidden
	}
	if err := svc.ensureManage(ctx, guild, byUserID); err != nil {
		return nil, err
	}

	var m model.GuildMembership
	err = svc.db.WithContext(ctx).
		Where("user_id = ? AND guild_id = ?", targetUserID, guildID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if m.Role == model.RoleOwner {
		return nil, ErrForbidden
	}

	if err := svc.db.WithContext(ctx).Model(&model.GuildMembership{}).
		Where("user_id = ? AND guild_id = ?", targetUserID, guildID).
		Update("role", role).Error; err != nil {
		return nil, err
	}
	m.Role = role
	return &m, nil
}

// ExpireStaleInvites deletes PENDING invitations older than ttl, freeing
// the (user, guild) pair for a fresh invite. Returns the number removed.
func (svc *Service) ExpireStaleInvites(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl)
	res := svc.db.WithContext(ctx).
		Where("status = ? AND invitation_token IS NOT NULL AND created_at < ?", model.StatusPending, cutoff).
		Delete(&model.GuildMembership{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		svc.logger.Info("expired stale invites", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// approve performs the PENDING→APPROVED transition: joinedAt set, token
// cleared, member count bumped. The membership write and the counter bump
// share one transaction so the count moves exactly once per transition.
func (svc *Service) approve(ctx context.Context, guild *model.Guild, m *model.GuildMembership) (*model.GuildMembership, error) {
	if err := svc.checkCapacity(guild); err != nil {
		return nil, err
	}

	now := time.Now()
	err := svc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.GuildMembership{}).
			Where("user_id = ? AND guild_id = ? AND status = ?", m.UserID, m.GuildID, model.StatusPending).
			Updates(map[string]interface{}{
				"status":           model.StatusApproved,
				"joined_at":        now,
				"invitation_token": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		// A concurrent approve can win between our read and this update; the
		// count moves exactly once per PENDING→APPROVED transition, so only
		// the write that performed the transition bumps it.
		if res.RowsAffected == 0 {
			return nil
		}
		return svc.bumpMemberCount(tx, m.GuildID, +1)
	})
	if err != nil {
		return nil, err
	}

	m.Status = model.StatusApproved
	m.JoinedAt = &now
	m.InvitationToken = nil
	svc.logger.Info("membership approved",
		zap.Int64("guild_id", m.GuildID),
		zap.Int64("user_id", m.UserID))
	return m, nil
}

// bumpMemberCount adjusts the cached member count with an atomic SQL
// expression; a read-then-write would lose updates under concurrency.
func (svc *Service) bumpMemberCount(tx *gorm.DB, guildID int64, delta int) error {
	return tx.Model(&model.Guild{}).
		Where("id = ?", guildID).
		UpdateColumn("member_count", gorm.Expr("member_count + ?", delta)).Error
}

// checkCapacity enforces the maxMembers cap, when one is set, against the
// cached count.
func (svc *Service) checkCapacity(guild *model.Guild) error {
	settings := unmarshalSettings(guild.Settings)
	if settings.MaxMembers != nil && guild.MemberCount >= *settings.MaxMembers {
		return ErrGuildFull
	}
	return nil
}
