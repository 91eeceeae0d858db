package guild

import "errors"

// Sentinel errors returned by the guild service. Anything else that comes
// out of a service call is an untranslated store failure.
var (
	ErrNotFound         = errors.New("guild: not found")
	ErrForbidden        = errors.New("guild: insufficient permissions")
	ErrNotAMember       = errors.New("guild: not a member")
	ErrConflict         = errors.New("guild: slug already in use")
	ErrAlreadyMember    = errors.New("guild: user already invited or member")
	ErrNoPendingInvite  = errors.New("guild: no pending invite")
	ErrOwnerCannotLeave = errors.New("guild: owner cannot leave")
	ErrGuildFull        = errors.New("guild: member limit reached")
	ErrInvalidRole      = errors.New("guild: invalid role")
)

// Settings validation errors. Wrapped with field detail, so callers must
// match with errors.Is.
var (
	ErrInvalidFormat = errors.New("guild: settings must be an object")
	ErrInvalidType   = errors.New("guild: invalid settings type")
	ErrInvalidValue  = errors.New("guild: invalid settings value")
)
