package router

import "errors"

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrNilSource         = errors.New("transcription source cannot be nil")
)
