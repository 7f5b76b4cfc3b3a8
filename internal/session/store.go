// Package session owns live broadcast sessions: who is in them, how they start
// and end, and how roaming clients get their place back.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"minbar/pkg/interfaces"
	"minbar/pkg/types"
)

// Store is the in-memory registry of sessions and their participants.
//
// Lock order: session.mu before bindingsMu, and session.mu before any
// MessageSender lock. mu is never acquired while a session.mu is held.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session
	byMosque map[string]string

	bindingsMu sync.Mutex
	bindings   map[string]map[string]string // connID -> sessionID -> participantID

	sender interfaces.MessageSender
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// ParticipantFilter narrows ListParticipants. Zero values match everything.
type ParticipantFilter struct {
	Kind          types.ParticipantKind
	Language      types.Language // listeners subscribed to, or translators for, this language
	ConnectedOnly bool
}

// StoreStats summarises the store for health reporting.
type StoreStats struct {
	Sessions     int `json:"sessions"`
	Live         int `json:"live"`
	Participants int `json:"participants"`
	Connected    int `json:"connected"`
}

func NewStore(sender interfaces.MessageSender, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*session),
		byMosque: make(map[string]string),
		bindings: make(map[string]map[string]string),
		sender:   sender,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

func (st *Store) lookup(sessionID string) *session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[sessionID]
}

func (st *Store) all() []*session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// Join adds the identity to the session under role and binds it to connID.
// An identity that already holds the same role is re-attached instead, which
// keeps its subscriptions and does not count it twice.
func (st *Store) Join(identity types.Identity, sessionID, connID string, role types.ParticipantRole) (types.Participant, error) {
	role.Language = types.NormalizeLanguage(role.Language)
	if err := role.Validate(); err != nil {
		return types.Participant{}, fmt.Errorf("%w: %v", ErrInvalidRole, err)
	}

	s := st.lookup(sessionID)
	if s == nil {
		return types.Participant{}, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getState() == types.StateEnded {
		return types.Participant{}, ErrNotFound
	}

	switch role.Kind {
	case types.KindBroadcaster:
		if identity.UserID != s.broadcasterUserID {
			return types.Participant{}, ErrForbidden
		}
	case types.KindTranslator:
		if identity.Role == types.RoleAnonymous {
			return types.Participant{}, ErrForbidden
		}
		if !s.supportsLanguage(role.Language) {
			return types.Participant{}, ErrUnsupportedLanguage
		}
	}

	now := st.now()

	existing, hasExisting := s.byUser[identity.UserID]
	if hasExisting && existing.connID == "" && now.Sub(existing.lastSeenAt) > st.cfg.ReconnectGrace {
		// Past the grace window but not swept yet: start over.
		s.remove(existing)
		existing, hasExisting = nil, false
	}

	if hasExisting && existing.role == role {
		st.reattach(s, existing, connID, now)
		return existing.snapshot(s.id), nil
	}
	if hasExisting && existing.role.Kind == types.KindBroadcaster {
		return types.Participant{}, ErrInvalidRole
	}

	if role.Kind == types.KindTranslator && st.cfg.SingleTranslatorPerLanguage && s.translatorsFor(role.Language) > 0 {
		return types.Participant{}, ErrLanguageTaken
	}

	if hasExisting {
		// Role change (listener -> translator, or a new translator language):
		// the old registration is dropped and a fresh one created.
		st.dropParticipant(s, existing, now)
	}

	p := &participant{
		id:       uuid.NewString(),
		userID:   identity.UserID,
		role:     role,
		joinedAt: now,
	}
	s.participants[p.id] = p
	s.byUser[p.userID] = p
	s.attach(p, connID, now)
	st.bind(connID, s.id, p.id)

	if role.Kind == types.KindListener {
		st.notifyBroadcaster(s, types.EventListenerJoined, types.CountPayload{SessionID: s.id, Count: s.listenerCount})
	}
	if role.Kind != types.KindBroadcaster {
		st.notifyBroadcaster(s, types.EventParticipantJoined, types.ParticipantJoinedPayload{
			SessionID:     s.id,
			ParticipantID: p.id,
			Role:          p.role,
			ListenerCount: s.listenerCount,
		})
		st.replayBacklog(s, connID)
	}

	st.logger.Debug("participant joined",
		"session_id", s.id,
		"participant_id", p.id,
		"user_id", p.userID,
		"role", string(p.role.Kind),
		"language", string(p.role.Language))

	return p.snapshot(s.id), nil
}

// reattach rebinds an existing participant to connID. Caller holds s.mu.
func (st *Store) reattach(s *session, p *participant, connID string, now time.Time) {
	if p.connID == connID {
		p.lastSeenAt = now
		return
	}
	if p.connID != "" {
		// Same user on a new socket before the old one was noticed dead.
		st.unbind(p.connID, s.id)
		s.detach(p, now)
	}
	s.attach(p, connID, now)
	st.bind(connID, s.id, p.id)

	if p.role.Kind == types.KindListener {
		st.notifyBroadcaster(s, types.EventListenerJoined, types.CountPayload{SessionID: s.id, Count: s.listenerCount})
	}
}

// dropParticipant detaches and removes p. Caller holds s.mu.
func (st *Store) dropParticipant(s *session, p *participant, now time.Time) {
	if p.connID != "" {
		st.unbind(p.connID, s.id)
		if s.detach(p, now) && p.role.Kind == types.KindListener {
			st.notifyBroadcaster(s, types.EventListenerLeft, types.CountPayload{SessionID: s.id, Count: s.listenerCount})
		}
	}
	s.remove(p)
}

// Leave marks the participant disconnected. The record is kept for the
// reconnect grace window; the listener count drops immediately.
func (st *Store) Leave(sessionID, participantID string) error {
	s := st.lookup(sessionID)
	if s == nil {
		return ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantID]
	if !ok {
		return ErrNotParticipant
	}
	st.leaveLocked(s, p)
	return nil
}

func (st *Store) leaveLocked(s *session, p *participant) {
	connID := p.connID
	if !s.detach(p, st.now()) {
		return
	}
	st.unbind(connID, s.id)
	if p.role.Kind == types.KindListener {
		st.notifyBroadcaster(s, types.EventListenerLeft, types.CountPayload{SessionID: s.id, Count: s.listenerCount})
	}
}

// Subscribe replaces a listener's language subscriptions and returns the
// normalized set.
func (st *Store) Subscribe(sessionID, participantID string, languages []types.Language) ([]types.Language, error) {
	langs, err := types.NormalizeLanguages(languages)
	if err != nil {
		return nil, err
	}

	s := st.lookup(sessionID)
	if s == nil {
		return nil, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getState() == types.StateEnded {
		return nil, ErrNotFound
	}
	p, ok := s.participants[participantID]
	if !ok {
		return nil, ErrNotParticipant
	}
	if p.role.Kind != types.KindListener {
		return nil, ErrInvalidRole
	}
	for _, lang := range langs {
		if !s.supportsLanguage(lang) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, lang)
		}
	}

	s.setSubscriptions(p, langs)
	p.lastSeenAt = st.now()
	return langs, nil
}

// ListParticipants returns snapshots matching filter. A language filter on
// listeners walks the per-language index only.
func (st *Store) ListParticipants(sessionID string, filter ParticipantFilter) ([]types.Participant, error) {
	s := st.lookup(sessionID)
	if s == nil {
		return nil, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates map[string]*participant
	switch {
	case filter.Language != "" && filter.Kind == types.KindListener:
		candidates = s.langIndex[types.NormalizeLanguage(filter.Language)]
	case filter.ConnectedOnly:
		candidates = s.connected
	default:
		candidates = s.participants
	}

	lang := types.NormalizeLanguage(filter.Language)
	out := make([]types.Participant, 0, len(candidates))
	for _, p := range candidates {
		if filter.ConnectedOnly && p.connID == "" {
			continue
		}
		if filter.Kind != "" && p.role.Kind != filter.Kind {
			continue
		}
		if lang != "" {
			switch p.role.Kind {
			case types.KindListener:
				if _, ok := p.subs[lang]; !ok {
					continue
				}
			case types.KindTranslator:
				if p.role.Language != lang {
					continue
				}
			default:
				continue
			}
		}
		out = append(out, p.snapshot(s.id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

// ParticipantFor returns the participant record held by userID.
func (st *Store) ParticipantFor(sessionID, userID string) (types.Participant, error) {
	s := st.lookup(sessionID)
	if s == nil {
		return types.Participant{}, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byUser[userID]
	if !ok {
		return types.Participant{}, ErrNotParticipant
	}
	return p.snapshot(s.id), nil
}

// DisconnectConnection detaches every participant bound to connID, across all
// sessions, and returns how many were detached.
func (st *Store) DisconnectConnection(connID string) int {
	st.bindingsMu.Lock()
	bound := st.bindings[connID]
	delete(st.bindings, connID)
	st.bindingsMu.Unlock()

	n := 0
	for sessionID, participantID := range bound {
		s := st.lookup(sessionID)
		if s == nil {
			continue
		}
		s.mu.Lock()
		// The participant may have moved to another socket in the meantime.
		if p, ok := s.participants[participantID]; ok && p.connID == connID {
			st.leaveLocked(s, p)
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// Snapshot returns the current view of one session.
func (st *Store) Snapshot(sessionID string) (types.SessionInfo, error) {
	s := st.lookup(sessionID)
	if s == nil {
		return types.SessionInfo{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info(), nil
}

// ListLive returns every live session, oldest first.
func (st *Store) ListLive() []types.SessionInfo {
	var out []types.SessionInfo
	for _, s := range st.all() {
		if s.getState() != types.StateLive {
			continue
		}
		s.mu.Lock()
		out = append(out, s.info())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (st *Store) Stats() StoreStats {
	var stats StoreStats
	for _, s := range st.all() {
		stats.Sessions++
		if s.getState() == types.StateLive {
			stats.Live++
		}
		s.mu.Lock()
		stats.Participants += len(s.participants)
		stats.Connected += len(s.connected)
		s.mu.Unlock()
	}
	return stats
}

func (st *Store) bind(connID, sessionID, participantID string) {
	st.bindingsMu.Lock()
	defer st.bindingsMu.Unlock()
	m, ok := st.bindings[connID]
	if !ok {
		m = make(map[string]string)
		st.bindings[connID] = m
	}
	m[sessionID] = participantID
}

func (st *Store) unbind(connID, sessionID string) {
	st.bindingsMu.Lock()
	defer st.bindingsMu.Unlock()
	if m, ok := st.bindings[connID]; ok {
		delete(m, sessionID)
		if len(m) == 0 {
			delete(st.bindings, connID)
		}
	}
}

// notifyBroadcaster sends an event to the broadcaster's connection, if any.
// Caller holds s.mu.
func (st *Store) notifyBroadcaster(s *session, eventType string, payload interface{}) {
	if connID := s.broadcasterConn(); connID != "" {
		st.sendEvent(connID, eventType, payload)
	}
}

func (st *Store) sendEvent(connID, eventType string, payload interface{}) {
	frame, err := EncodeEvent(eventType, payload)
	if err != nil {
		st.logger.Error("failed to encode event", "event", eventType, "error", err)
		return
	}
	st.sender.SendRaw(connID, frame)
}

func (st *Store) broadcastEvent(eventType string, payload interface{}) {
	frame, err := EncodeEvent(eventType, payload)
	if err != nil {
		st.logger.Error("failed to encode event", "event", eventType, "error", err)
		return
	}
	st.sender.BroadcastAuthenticated(frame)
}

// replayBacklog sends the retained units to a late joiner in sequence order,
// skipping those the socket was already sent under an earlier record.
// Caller holds s.mu.
func (st *Store) replayBacklog(s *session, connID string) {
	since := s.delivered[connID]
	for _, entry := range s.backlog {
		if entry.seq <= since {
			continue
		}
		st.sender.SendRaw(connID, entry.frame)
	}
}

// invariant reports a broken internal guarantee. In strict mode it panics so
// tests and development builds fail fast.
func (st *Store) invariant(msg string, args ...any) {
	if st.cfg.StrictInvariants {
		panic(fmt.Sprintf("invariant violation: %s %v", msg, args))
	}
	st.logger.Error("invariant violation: "+msg, args...)
}

// EncodeEvent builds the wire frame for an outbound event.
func EncodeEvent(eventType string, payload interface{}) ([]byte, error) {
	return json.Marshal(types.NewEvent(eventType, payload))
}
