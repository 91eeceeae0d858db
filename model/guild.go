package model

import (
	"time"

	"gorm.io/datatypes"
)

// Role is a member's role within a guild.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// MembershipStatus is the lifecycle state of a membership.
type MembershipStatus string

const (
	StatusPending  MembershipStatus = "PENDING"
	StatusApproved MembershipStatus = "APPROVED"
)

// Guild represents a community group with an owner and settings.
type Guild struct {
	ID          int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Slug        string         `gorm:"uniqueIndex;size:100;not null" json:"slug"`
	Name        string         `gorm:"size:100;not null" json:"name"`
	Description string         `gorm:"size:1000" json:"description"`
	OwnerID     int64          `gorm:"index;not null" json:"owner_id"`
	Settings    datatypes.JSON `json:"settings"`
	// MemberCount caches the number of APPROVED memberships. Adjusted only
	// through atomic SQL increments in the guild service.
	MemberCount int       `gorm:"default:0" json:"member_count"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// GuildMembership binds a user to a guild with a role and status.
// The composite primary key serializes conflicting writes for the same pair.
type GuildMembership struct {
	UserID          int64            `gorm:"primaryKey" json:"user_id"`
	GuildID         int64            `gorm:"primaryKey;index:idx_membership_guild" json:"guild_id"`
	Role            Role             `gorm:"size:16;not null;default:MEMBER" json:"role"`
	Status          MembershipStatus `gorm:"size:16;not null;default:PENDING" json:"status"`
	InvitationToken *string          `gorm:"uniqueIndex;size:36" json:"-"`
	InvitedByID     *int64           `json:"invited_by_id"`
	JoinedAt        *time.Time       `json:"joined_at"`
	CreatedAt       time.Time        `gorm:"autoCreateTime" json:"created_at"`
}
