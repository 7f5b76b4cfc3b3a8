package session

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"minbar/pkg/types"
)

type participant struct {
	id         string
	userID     string
	role       types.ParticipantRole
	connID     string // empty while disconnected
	subs       map[types.Language]struct{}
	joinedAt   time.Time
	lastSeenAt time.Time
}

func (p *participant) snapshot(sessionID string) types.Participant {
	var subs []types.Language
	if len(p.subs) > 0 {
		subs = make([]types.Language, 0, len(p.subs))
		for lang := range p.subs {
			subs = append(subs, lang)
		}
		sort.Slice(subs, func(i, j int) bool { return subs[i] < subs[j] })
	}
	return types.Participant{
		ID:                  p.id,
		SessionID:           sessionID,
		UserID:              p.userID,
		Role:                p.role,
		ConnectionID:        p.connID,
		SubscribedLanguages: subs,
		JoinedAt:            p.joinedAt,
		LastSeenAt:          p.lastSeenAt,
	}
}

type backlogEntry struct {
	seq   uint64
	frame []byte
}

// session is the in-memory record for one broadcast. Everything below mu is
// guarded by it; the identity fields above are immutable after creation.
type session struct {
	id                string
	mosqueID          string
	broadcasterUserID string
	languages         map[types.Language]struct{}
	languageList      []types.Language
	createdAt         time.Time

	// state mirrors the guarded value so the store can read it without
	// taking mu. Written only with mu held.
	state atomic.Value

	mu             sync.Mutex
	startedAt      time.Time
	endedAt        time.Time
	summary        *types.SessionSummary
	nextSeq        uint64
	lastSeq        uint64
	unitsPublished uint64
	lastUnitAt     time.Time
	participants   map[string]*participant
	byUser         map[string]*participant
	connected      map[string]*participant
	langIndex      map[types.Language]map[string]*participant
	listenerCount  int
	peakListeners  int
	backlog        []backlogEntry
	// delivered holds, per connection that left a participant record, the
	// last sequence number it had been sent. A later fresh join on the same
	// socket replays only what lies above it.
	delivered map[string]uint64
}

func newSession(id, mosqueID, broadcasterUserID string, languages []types.Language, now time.Time) *session {
	s := &session{
		id:                id,
		mosqueID:          mosqueID,
		broadcasterUserID: broadcasterUserID,
		languages:         make(map[types.Language]struct{}, len(languages)),
		languageList:      languages,
		createdAt:         now,
		nextSeq:           1,
		participants:      make(map[string]*participant),
		byUser:            make(map[string]*participant),
		connected:         make(map[string]*participant),
		langIndex:         make(map[types.Language]map[string]*participant),
		delivered:         make(map[string]uint64),
	}
	for _, lang := range languages {
		s.languages[lang] = struct{}{}
	}
	s.state.Store(types.StateCreated)
	return s
}

func (s *session) getState() types.SessionState {
	return s.state.Load().(types.SessionState)
}

func (s *session) setState(state types.SessionState) {
	s.state.Store(state)
}

// supportsLanguage reports whether lang is offered. An empty set accepts any.
func (s *session) supportsLanguage(lang types.Language) bool {
	if len(s.languages) == 0 {
		return true
	}
	_, ok := s.languages[lang]
	return ok
}

func (s *session) broadcasterConn() string {
	p, ok := s.byUser[s.broadcasterUserID]
	if !ok || p.role.Kind != types.KindBroadcaster {
		return ""
	}
	return p.connID
}

// attach binds p to connID and reports whether p was disconnected before.
func (s *session) attach(p *participant, connID string, now time.Time) bool {
	wasDisconnected := p.connID == ""
	p.connID = connID
	p.lastSeenAt = now
	s.connected[p.id] = p
	if wasDisconnected && p.role.Kind == types.KindListener {
		s.listenerCount++
		if s.listenerCount > s.peakListeners {
			s.peakListeners = s.listenerCount
		}
	}
	return wasDisconnected
}

// detach marks p disconnected and reports whether it was connected.
func (s *session) detach(p *participant, now time.Time) bool {
	if p.connID == "" {
		return false
	}
	if p.role.Kind != types.KindBroadcaster {
		s.delivered[p.connID] = s.lastSeq
	}
	p.connID = ""
	p.lastSeenAt = now
	delete(s.connected, p.id)
	if p.role.Kind == types.KindListener {
		s.listenerCount--
	}
	return true
}

func (s *session) setSubscriptions(p *participant, langs []types.Language) {
	for lang := range p.subs {
		if idx, ok := s.langIndex[lang]; ok {
			delete(idx, p.id)
			if len(idx) == 0 {
				delete(s.langIndex, lang)
			}
		}
	}
	p.subs = make(map[types.Language]struct{}, len(langs))
	for _, lang := range langs {
		p.subs[lang] = struct{}{}
		idx, ok := s.langIndex[lang]
		if !ok {
			idx = make(map[string]*participant)
			s.langIndex[lang] = idx
		}
		idx[p.id] = p
	}
}

// remove drops every trace of p. The caller detaches first.
func (s *session) remove(p *participant) {
	s.setSubscriptions(p, nil)
	delete(s.participants, p.id)
	delete(s.connected, p.id)
	if s.byUser[p.userID] == p {
		delete(s.byUser, p.userID)
	}
}

func (s *session) translatorsFor(lang types.Language) int {
	n := 0
	for _, p := range s.participants {
		if p.role.Kind == types.KindTranslator && p.role.Language == lang {
			n++
		}
	}
	return n
}

func (s *session) appendBacklog(seq uint64, frame []byte, limit int) {
	if limit <= 0 {
		return
	}
	s.backlog = append(s.backlog, backlogEntry{seq: seq, frame: frame})
	if over := len(s.backlog) - limit; over > 0 {
		s.backlog = append(s.backlog[:0:0], s.backlog[over:]...)
	}
}

// pruneDelivered forgets marks that sit below every retained unit; replay
// would send the same frames with or without them.
func (s *session) pruneDelivered() {
	for connID, seq := range s.delivered {
		if len(s.backlog) == 0 || seq < s.backlog[0].seq {
			delete(s.delivered, connID)
		}
	}
}

// end moves the session to Ended and computes its summary.
func (s *session) end(now time.Time, reason types.EndReason) types.SessionSummary {
	s.endedAt = now
	s.setState(types.StateEnded)
	s.backlog = nil
	clear(s.delivered)

	summary := types.SessionSummary{
		SessionID:          s.id,
		MosqueID:           s.mosqueID,
		StartedAt:          s.startedAt,
		EndedAt:            now,
		FinalListenerCount: s.listenerCount,
		PeakListenerCount:  s.peakListeners,
		UnitsPublished:     s.unitsPublished,
		EndReason:          reason,
	}
	if !s.startedAt.IsZero() {
		summary.Duration = now.Sub(s.startedAt)
	}
	s.summary = &summary
	return summary
}

func (s *session) info() types.SessionInfo {
	info := types.SessionInfo{
		ID:                 s.id,
		MosqueID:           s.mosqueID,
		State:              s.getState(),
		BroadcasterUserID:  s.broadcasterUserID,
		Languages:          append([]types.Language(nil), s.languageList...),
		CreatedAt:          s.createdAt,
		StartedAt:          s.startedAt,
		EndedAt:            s.endedAt,
		ListenerCount:      s.listenerCount,
		ParticipantCount:   len(s.participants),
		NextSequenceNumber: s.nextSeq,
	}
	for lang, idx := range s.langIndex {
		n := 0
		for _, p := range idx {
			if p.connID != "" {
				n++
			}
		}
		if n == 0 {
			continue
		}
		if info.SubscribersByLang == nil {
			info.SubscribersByLang = make(map[types.Language]int)
		}
		info.SubscribersByLang[lang] = n
	}
	return info
}
