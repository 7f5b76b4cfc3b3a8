package auth

import "errors"

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpiredCredential = errors.New("credential expired")
	ErrEmptySecret       = errors.New("signing secret cannot be empty")
)
