package guild

import (
	"encoding/json"
	"fmt"
	"math"

	"gorm.io/datatypes"
)

// Visibility controls who can see a guild.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityPrivate  Visibility = "private"
	VisibilityUnlisted Visibility = "unlisted"
)

// Settings is a guild's configuration. A stored settings record always has
// every field populated; partial input is merged over defaults, never kept
// sparse.
type Settings struct {
	Visibility      Visibility `json:"visibility"`
	RequireApproval bool       `json:"requireApproval"`
	Discoverable    bool       `json:"discoverable"`
	MaxMembers      *int       `json:"maxMembers"` // nil = no cap
}

// DefaultSettings returns the settings applied when none are supplied.
func DefaultSettings() Settings {
	return Settings{
		Visibility:      VisibilityPublic,
		RequireApproval: false,
		Discoverable:    true,
		MaxMembers:      nil,
	}
}

// NormalizeSettings validates input and fills defaults for absent keys.
// A nil input yields the defaults. Unrecognized keys are ignored.
func NormalizeSettings(input map[string]interface{}) (Settings, error) {
	out := DefaultSettings()
	if input == nil {
		return out, nil
	}
	if err := applySettings(&out, input); err != nil {
		return Settings{}, err
	}
	return out, nil
}

// NormalizeSettingsJSON validates raw JSON settings input. Anything other
// than a JSON object or null fails ErrInvalidFormat.
func NormalizeSettingsJSON(raw []byte) (Settings, error) {
	if len(raw) == 0 {
		return DefaultSettings(), nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return Settings{}, fmt.Errorf("%w: not a JSON object", ErrInvalidFormat)
	}
	return NormalizeSettings(m)
}

// MergeSettings validates patch and overwrites only the keys it contains
// over current. The result stays fully populated.
func MergeSettings(current Settings, patch map[string]interface{}) (Settings, error) {
	out := current
	if err := applySettings(&out, patch); err != nil {
		return Settings{}, err
	}
	return out, nil
}

func applySettings(out *Settings, input map[string]interface{}) error {
	if raw, ok := input["visibility"]; ok {
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("%w: visibility must be a string", ErrInvalidType)
		}
		switch v := Visibility(s); v {
		case VisibilityPublic, VisibilityPrivate, VisibilityUnlisted:
			out.Visibility = v
		default:
			return fmt.Errorf("%w: visibility %q", ErrInvalidValue, s)
		}
	}

	if raw, ok := input["requireApproval"]; ok {
		b, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("%w: requireApproval must be a boolean", ErrInvalidType)
		}
		out.RequireApproval = b
	}

	if raw, ok := input["discoverable"]; ok {
		b, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("%w: discoverable must be a boolean", ErrInvalidType)
		}
		out.Discoverable = b
	}

	if raw, ok := input["maxMembers"]; ok {
		n, err := intOrNil(raw)
		if err != nil {
			return err
		}
		out.MaxMembers = n
	}

	return nil
}

// maxMembersLimit bounds the member cap. Values above it would overflow the
// int conversion from JSON float64 and are meaningless as a cap anyway.
const maxMembersLimit = math.MaxInt32

// intOrNil accepts null or an integer in [1, maxMembersLimit]. JSON numbers
// decode as float64, so integral floats are accepted too.
func intOrNil(raw interface{}) (*int, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case int:
		if v < 1 || v > maxMembersLimit {
			return nil, fmt.Errorf("%w: maxMembers must be between 1 and %d", ErrInvalidValue, maxMembersLimit)
		}
		return &v, nil
	case float64:
		if v != math.Trunc(v) || v < 1 || v > maxMembersLimit {
			return nil, fmt.Errorf("%w: maxMembers must be a positive integer or null", ErrInvalidValue)
		}
		n := int(v)
		return &n, nil
	default:
		return nil, fmt.Errorf("%w: maxMembers must be a positive integer or null", ErrInvalidValue)
	}
}

// marshalSettings encodes settings for the guild row's JSON column.
func marshalSettings(s Settings) datatypes.JSON {
	b, _ := json.Marshal(s)
	return datatypes.JSON(b)
}

// unmarshalSettings decodes a stored settings column. An empty column yields
// the defaults; stored records are normalized so this never sees sparse data.
func unmarshalSettings(raw datatypes.JSON) Settings {
	s := DefaultSettings()
	if len(raw) == 0 {
		return s
	}
	_ = json.Unmarshal(raw, &s)
	return s
}
