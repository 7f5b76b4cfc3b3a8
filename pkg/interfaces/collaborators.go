package interfaces

import (
	"context"

	"minbar/pkg/types"
)

// IdentityVerifier turns a bearer credential into an identity or rejects it.
// Implementations may call out over the network; callers must not hold any
// session lock while invoking Verify.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (types.Identity, error)
}

// Notifier delivers a "broadcast started" push to a batch of followers.
type Notifier interface {
	Notify(ctx context.Context, followerIDs []string, summary types.SessionInfo) error
}

// TranscriptionEvent is one item yielded by a transcription source.
type TranscriptionEvent struct {
	Text    string
	IsFinal bool
}

// TranscriptionSource yields the ordered transcription stream for one session.
// The channel is closed when the upstream provider ends the stream.
type TranscriptionSource interface {
	Events(ctx context.Context) (<-chan TranscriptionEvent, error)
}
