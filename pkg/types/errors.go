package types

import "errors"

// Validation errors shared by every component that accepts client input
var (
	ErrInvalidUserID    = errors.New("user ID must be 1-128 characters, alphanumeric + underscore/hyphen/dot only")
	ErrInvalidSessionID = errors.New("session ID must be 1-64 characters, alphanumeric + underscore/hyphen")
	ErrInvalidMosqueID  = errors.New("mosque ID must be 1-64 characters, alphanumeric + underscore/hyphen")
	ErrInvalidLanguage  = errors.New("language must be a 2-35 character tag such as en or pt-BR")
	ErrInvalidRole      = errors.New("invalid participant role")
	ErrEmptyText        = errors.New("text cannot be empty")
	ErrTextTooLarge     = errors.New("text exceeds 16KB limit")
)
