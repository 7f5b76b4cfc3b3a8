package session

import "errors"

// Session errors surfaced to clients. The hub maps each to a stable wire code.
var (
	ErrNotFound            = errors.New("session not found or ended")
	ErrForbidden           = errors.New("not permitted for this identity")
	ErrAlreadyActive       = errors.New("a broadcast is already live for this mosque")
	ErrLanguageTaken       = errors.New("a translator is already registered for this language")
	ErrNotLive             = errors.New("session is not live")
	ErrUnsupportedLanguage = errors.New("language not offered by this session")
	ErrInvalidRole         = errors.New("participant role not valid for this operation")
	ErrSessionExists       = errors.New("session ID already in use")
	ErrNoReclaimable       = errors.New("no participant to reclaim")
	ErrUnknownSourceUnit   = errors.New("source sequence number has not been published")
	ErrNotParticipant      = errors.New("not a participant of this session")
)
