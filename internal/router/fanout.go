package router

import (
	"context"
	"log/slog"
	"sync/atomic"

	"minbar/internal/session"
	"minbar/pkg/types"
)

// Fanout routes submitted translations to the listeners subscribed to that
// language. Every submission is delivered; duplicates for the same source
// unit are left to the client.
type Fanout struct {
	store  *session.Store
	logger *slog.Logger

	submitted atomic.Uint64
}

func NewFanout(store *session.Store, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{store: store, logger: logger}
}

// Submit delivers one translation. The caller must hold Translator(language)
// in the session and sourceSeq must name an already-published unit. It
// returns the unit and how many listeners it was queued for.
func (f *Fanout) Submit(ctx context.Context, identity types.Identity, sessionID string, language types.Language, sourceSeq uint64, text string) (types.TranslationUnit, int, error) {
	if err := types.ValidateText(text); err != nil {
		return types.TranslationUnit{}, 0, err
	}
	language = types.NormalizeLanguage(language)
	if !types.IsValidLanguage(language) {
		return types.TranslationUnit{}, 0, types.ErrInvalidLanguage
	}

	var (
		unit      types.TranslationUnit
		delivered int
	)
	err := f.store.WithSession(sessionID, func(v *session.View) error {
		if v.State() != types.StateLive {
			return session.ErrNotLive
		}

		p, ok := v.ParticipantByUser(identity.UserID)
		// A translator who left must rejoin before routing again.
		if !ok || !p.Connected() {
			return session.ErrNotParticipant
		}
		if p.Role != types.TranslatorRole(language) {
			return session.ErrForbidden
		}
		if sourceSeq == 0 || sourceSeq >= v.NextSequence() {
			return session.ErrUnknownSourceUnit
		}

		unit = types.TranslationUnit{
			SessionID:            v.ID(),
			Language:             language,
			SourceSequenceNumber: sourceSeq,
			Text:                 text,
			SubmittedBy:          p.ID,
			SubmittedAt:          v.Now().UTC(),
		}
		frame, err := session.EncodeEvent(types.EventTranslationUpdate, unit)
		if err != nil {
			return err
		}

		v.EachSubscriber(language, func(connID string) {
			if v.Send(connID, frame) {
				delivered++
			}
		})
		return nil
	})
	if err != nil {
		return types.TranslationUnit{}, 0, err
	}

	f.submitted.Add(1)
	f.logger.DebugContext(ctx, "translation routed",
		"session_id", sessionID,
		"language", string(language),
		"source_seq", sourceSeq,
		"recipients", delivered)
	return unit, delivered, nil
}

// Submitted is a cumulative counter for health reporting.
func (f *Fanout) Submitted() uint64 { return f.submitted.Load() }
