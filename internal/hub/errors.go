package hub

import (
	"errors"

	"minbar/internal/auth"
	"minbar/internal/router"
	"minbar/internal/session"
	"minbar/pkg/types"
)

var (
	ErrHubAlreadyRunning  = errors.New("hub is already running")
	ErrHubNotRunning      = errors.New("hub is not running")
	ErrNotAuthenticated   = errors.New("authenticate before sending this message")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Stable error codes sent to clients.
const (
	CodeAuthInvalid         = "auth_invalid"
	CodeAuthRequired        = "auth_required"
	CodeNotFound            = "not_found"
	CodeForbidden           = "forbidden"
	CodeAlreadyActive       = "already_active"
	CodeLanguageTaken       = "language_taken"
	CodeNotLive             = "not_live"
	CodeUnsupportedLanguage = "unsupported_language"
	CodeInvalidRequest      = "invalid_request"
	CodeRateLimited         = "rate_limited"
	CodeInternal            = "internal"
)

// ErrorCode maps an error from any component to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvalidCredential), errors.Is(err, auth.ErrExpiredCredential):
		return CodeAuthInvalid
	case errors.Is(err, ErrNotAuthenticated):
		return CodeAuthRequired
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrNoReclaimable):
		return CodeNotFound
	case errors.Is(err, session.ErrForbidden), errors.Is(err, session.ErrNotParticipant):
		return CodeForbidden
	case errors.Is(err, session.ErrAlreadyActive), errors.Is(err, session.ErrSessionExists):
		return CodeAlreadyActive
	case errors.Is(err, session.ErrLanguageTaken):
		return CodeLanguageTaken
	case errors.Is(err, session.ErrNotLive):
		return CodeNotLive
	case errors.Is(err, session.ErrUnsupportedLanguage):
		return CodeUnsupportedLanguage
	case errors.Is(err, router.ErrRateLimitExceeded):
		return CodeRateLimited
	case errors.Is(err, ErrMalformedMessage),
		errors.Is(err, ErrUnknownMessageType),
		errors.Is(err, session.ErrInvalidRole),
		errors.Is(err, session.ErrUnknownSourceUnit),
		errors.Is(err, types.ErrInvalidSessionID),
		errors.Is(err, types.ErrInvalidMosqueID),
		errors.Is(err, types.ErrInvalidUserID),
		errors.Is(err, types.ErrInvalidLanguage),
		errors.Is(err, types.ErrInvalidRole),
		errors.Is(err, types.ErrEmptyText),
		errors.Is(err, types.ErrTextTooLarge):
		return CodeInvalidRequest
	default:
		return CodeInternal
	}
}
