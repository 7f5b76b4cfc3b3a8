// Package router moves transcription and translation units from their
// producers to the participants that should see them.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"minbar/internal/session"
	"minbar/pkg/interfaces"
	"minbar/pkg/types"
)

// Relay republishes a session's transcription stream to its listeners and
// translators in sequence order.
// ARCHITECTURAL DISCOVERY: Sequence assignment and enqueueing share one
// critical section per session, so every connection sees units in the order
// they were numbered
type Relay struct {
	store  *session.Store
	logger *slog.Logger

	published atomic.Uint64
	dropped   atomic.Uint64
}

func NewRelay(store *session.Store, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{store: store, logger: logger}
}

// Publish assigns the next sequence number and delivers the unit. When the
// session is not live the unit is dropped, logged and ErrNotLive returned.
func (r *Relay) Publish(ctx context.Context, sessionID, text string, isFinal bool) (types.TranscriptionUnit, error) {
	return r.publish(ctx, sessionID, text, isFinal, nil)
}

// PublishAs is Publish on behalf of a client; only the session's broadcaster
// may feed its transcription.
func (r *Relay) PublishAs(ctx context.Context, identity types.Identity, sessionID, text string, isFinal bool) (types.TranscriptionUnit, error) {
	return r.publish(ctx, sessionID, text, isFinal, func(v *session.View) error {
		p, ok := v.ParticipantByUser(identity.UserID)
		if !ok || p.Role.Kind != types.KindBroadcaster {
			return session.ErrForbidden
		}
		if !p.Connected() {
			return session.ErrNotParticipant
		}
		return nil
	})
}

func (r *Relay) publish(ctx context.Context, sessionID, text string, isFinal bool, authorize func(v *session.View) error) (types.TranscriptionUnit, error) {
	if err := types.ValidateText(text); err != nil {
		return types.TranscriptionUnit{}, err
	}

	var (
		unit      types.TranscriptionUnit
		delivered int
	)
	err := r.store.WithSession(sessionID, func(v *session.View) error {
		if authorize != nil {
			if err := authorize(v); err != nil {
				return err
			}
		}
		if v.State() != types.StateLive {
			return session.ErrNotLive
		}

		unit = types.TranscriptionUnit{
			SessionID:      v.ID(),
			SequenceNumber: v.AssignSequence(),
			Text:           text,
			IsFinal:        isFinal,
			ProducedAt:     v.Now().UTC(),
		}
		frame, err := session.EncodeEvent(types.EventVoiceTranscription, unit)
		if err != nil {
			return err
		}

		v.EachConnected(func(connID string, role types.ParticipantRole) {
			if role.Kind == types.KindBroadcaster {
				return
			}
			if v.Send(connID, frame) {
				delivered++
			}
		})
		v.RecordUnit(unit, frame)
		return nil
	})

	if err != nil {
		if errors.Is(err, session.ErrNotLive) || errors.Is(err, session.ErrNotFound) {
			r.dropped.Add(1)
			r.logger.WarnContext(ctx, "transcription dropped",
				"session_id", sessionID,
				"reason", err.Error(),
				"final", isFinal)
		}
		return types.TranscriptionUnit{}, err
	}

	r.published.Add(1)
	r.logger.DebugContext(ctx, "transcription published",
		"session_id", sessionID,
		"seq", unit.SequenceNumber,
		"final", isFinal,
		"recipients", delivered)
	return unit, nil
}

// Consume drains source into Publish until the stream closes, ctx is
// cancelled, or the session ends. Units arriving before the session is live
// are dropped.
func (r *Relay) Consume(ctx context.Context, sessionID string, source interfaces.TranscriptionSource) error {
	if source == nil {
		return ErrNilSource
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := source.Events(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			_, err := r.Publish(ctx, sessionID, ev.Text, ev.IsFinal)
			switch {
			case err == nil:
			case errors.Is(err, session.ErrNotFound):
				return nil
			case errors.Is(err, session.ErrNotLive):
				if info, snapErr := r.store.Snapshot(sessionID); snapErr != nil || info.State == types.StateEnded {
					return nil
				}
			default:
				r.logger.WarnContext(ctx, "transcription event rejected", "session_id", sessionID, "error", err)
			}
		}
	}
}

// Published and Dropped are cumulative counters for health reporting.
func (r *Relay) Published() uint64 { return r.published.Load() }
func (r *Relay) Dropped() uint64   { return r.dropped.Load() }
