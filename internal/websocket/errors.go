package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrQueueOverflow    = errors.New("outbound queue full, message dropped")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection     = errors.New("connection cannot be nil")
	ErrUnknownConnection = errors.New("connection not registered")
	ErrDuplicateID       = errors.New("connection ID already registered")
)
