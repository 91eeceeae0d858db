package guild

import (
	"context"
	"errors"

	"github.com/guildforge/server/model"
	"gorm.io/gorm"
)

// ensureManage checks that userID may perform management actions on guild.
// The owner always passes; otherwise the caller needs a membership with an
// elevated role. Plain MEMBERs never pass.
func (svc *Service) ensureManage(ctx context.Context, guild *model.Guild, userID int64) error {
	if guild.OwnerID == userID {
		return nil
	}

	var m model.GuildMembership
	err := svc.db.WithContext(ctx).
		Where("user_id = ? AND guild_id = ?", userID, guild.ID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotAMember
	}
	if err != nil {
		return err
	}
	if m.Role == model.RoleMember {
		return ErrForbidden
	}
	return nil
}
