package session

import (
	"time"

	"minbar/pkg/types"
)

// View is a locked handle on one session, handed to the callback of
// Store.WithSession. It must not escape the callback; every method assumes
// the session lock is held.
type View struct {
	st *Store
	s  *session
}

// WithSession runs fn with the session's lock held. fn must not block:
// sends go through the non-blocking per-connection queues.
func (st *Store) WithSession(sessionID string, fn func(v *View) error) error {
	s := st.lookup(sessionID)
	if s == nil {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&View{st: st, s: s})
}

func (v *View) ID() string                { return v.s.id }
func (v *View) MosqueID() string          { return v.s.mosqueID }
func (v *View) State() types.SessionState { return v.s.getState() }

// NextSequence returns the number the next unit will receive.
func (v *View) NextSequence() uint64 { return v.s.nextSeq }

// AssignSequence hands out the next sequence number exactly once.
func (v *View) AssignSequence() uint64 {
	seq := v.s.nextSeq
	if seq <= v.s.lastSeq {
		v.st.invariant("sequence regression", "session_id", v.s.id, "next", seq, "last", v.s.lastSeq)
		seq = v.s.lastSeq + 1
	}
	v.s.lastSeq = seq
	v.s.nextSeq = seq + 1
	return seq
}

// SupportsLanguage reports whether the session offers lang.
func (v *View) SupportsLanguage(lang types.Language) bool {
	return v.s.supportsLanguage(lang)
}

// ParticipantByUser returns the participant held by userID.
func (v *View) ParticipantByUser(userID string) (types.Participant, bool) {
	p, ok := v.s.byUser[userID]
	if !ok {
		return types.Participant{}, false
	}
	return p.snapshot(v.s.id), true
}

// EachConnected calls fn for every participant that currently has a connection.
func (v *View) EachConnected(fn func(connID string, role types.ParticipantRole)) {
	for _, p := range v.s.connected {
		fn(p.connID, p.role)
	}
}

// EachSubscriber calls fn for every connected listener subscribed to lang.
// Cost is proportional to that language's subscribers only.
func (v *View) EachSubscriber(lang types.Language, fn func(connID string)) {
	for _, p := range v.s.langIndex[lang] {
		if p.connID != "" {
			fn(p.connID)
		}
	}
}

// RecordUnit counts a published unit and keeps its frame for late joiners.
func (v *View) RecordUnit(unit types.TranscriptionUnit, frame []byte) {
	v.s.unitsPublished++
	v.s.lastUnitAt = unit.ProducedAt
	v.s.appendBacklog(unit.SequenceNumber, frame, v.st.cfg.BacklogSize)
}

// Send queues frame for connID without blocking.
func (v *View) Send(connID string, frame []byte) bool {
	return v.st.sender.SendRaw(connID, frame)
}

// Now returns the store clock.
func (v *View) Now() time.Time { return v.st.now() }
