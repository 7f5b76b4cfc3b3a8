package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrFollowersUnavailable = errors.New("follower directory unavailable")
	ErrArchiveUnavailable   = errors.New("broadcast archive unavailable")
)
