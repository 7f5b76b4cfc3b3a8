package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"minbar/pkg/interfaces"
	"minbar/pkg/types"
)

// StartObserver is told when a session goes live. Implementations must
// return promptly; slow work belongs on their own goroutine.
type StartObserver interface {
	OnSessionStarted(info types.SessionInfo)
}

// SweepResult reports what one sweep did.
type SweepResult struct {
	Evicted   int
	IdleEnded int
	Purged    int
}

// Lifecycle is the only place sessions are created, started, ended and evicted.
// ARCHITECTURAL DISCOVERY: State only moves Created -> Live -> Ended; the sweeper
// bounds memory for sessions whose broadcaster vanished mid-handshake
type Lifecycle struct {
	store    *Store
	observer StartObserver
	archive  interfaces.BroadcastArchive
	logger   *slog.Logger

	archiveTimeout time.Duration
	pending        sync.WaitGroup
}

// NewLifecycle wires the lifecycle to the store. observer and archive may be nil.
func NewLifecycle(store *Store, observer StartObserver, archive interfaces.BroadcastArchive, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		store:          store,
		observer:       observer,
		archive:        archive,
		logger:         logger,
		archiveTimeout: 10 * time.Second,
	}
}

// Create reserves the mosque with a session in Created state and binds the
// caller as its broadcaster. An empty sessionID is generated.
func (l *Lifecycle) Create(identity types.Identity, sessionID, mosqueID string, languages []types.Language, connID string) (types.SessionInfo, error) {
	if identity.Role != types.RoleMosqueAdmin {
		return types.SessionInfo{}, ErrForbidden
	}
	if !types.IsValidID(mosqueID) {
		return types.SessionInfo{}, types.ErrInvalidMosqueID
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	} else if !types.IsValidID(sessionID) {
		return types.SessionInfo{}, types.ErrInvalidSessionID
	}
	langs, err := types.NormalizeLanguages(languages)
	if err != nil {
		return types.SessionInfo{}, err
	}

	st := l.store
	now := st.now()
	s := newSession(sessionID, mosqueID, identity.UserID, langs, now)
	broadcaster := &participant{
		id:       uuid.NewString(),
		userID:   identity.UserID,
		role:     types.BroadcasterRole(),
		joinedAt: now,
	}
	s.participants[broadcaster.id] = broadcaster
	s.byUser[broadcaster.userID] = broadcaster
	s.attach(broadcaster, connID, now)

	st.mu.Lock()
	if existingID, ok := st.byMosque[mosqueID]; ok {
		if existing := st.sessions[existingID]; existing != nil && existing.getState() != types.StateEnded {
			st.mu.Unlock()
			return types.SessionInfo{}, ErrAlreadyActive
		}
	}
	if _, ok := st.sessions[sessionID]; ok {
		st.mu.Unlock()
		return types.SessionInfo{}, ErrSessionExists
	}
	st.sessions[sessionID] = s
	st.byMosque[mosqueID] = sessionID
	st.mu.Unlock()

	st.bind(connID, sessionID, broadcaster.id)

	l.logger.Info("session created",
		"session_id", sessionID,
		"mosque_id", mosqueID,
		"broadcaster", identity.UserID,
		"languages", len(langs))

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info(), nil
}

// Start moves a Created session to Live. Only its broadcaster may start it.
func (l *Lifecycle) Start(identity types.Identity, sessionID, connID string) (types.SessionInfo, error) {
	st := l.store
	s := st.lookup(sessionID)
	if s == nil {
		return types.SessionInfo{}, ErrNotFound
	}

	s.mu.Lock()
	switch s.getState() {
	case types.StateEnded:
		s.mu.Unlock()
		return types.SessionInfo{}, ErrNotFound
	case types.StateLive:
		s.mu.Unlock()
		return types.SessionInfo{}, ErrAlreadyActive
	}
	if identity.UserID != s.broadcasterUserID {
		s.mu.Unlock()
		return types.SessionInfo{}, ErrForbidden
	}

	now := st.now()
	s.startedAt = now
	s.lastUnitAt = now
	s.setState(types.StateLive)
	l.attachBroadcaster(s, connID, now)
	info := s.info()
	s.mu.Unlock()

	l.logger.Info("session started", "session_id", info.ID, "mosque_id", info.MosqueID)

	st.broadcastEvent(types.EventSessionStarted, types.SessionEventPayload{
		SessionID: info.ID,
		MosqueID:  info.MosqueID,
		Languages: info.Languages,
	})
	if l.observer != nil {
		l.observer.OnSessionStarted(info)
	}
	return info, nil
}

// attachBroadcaster binds the broadcaster record to connID, recreating it if
// it was purged. Caller holds s.mu.
func (l *Lifecycle) attachBroadcaster(s *session, connID string, now time.Time) {
	p, ok := s.byUser[s.broadcasterUserID]
	if !ok || p.role.Kind != types.KindBroadcaster {
		p = &participant{
			id:       uuid.NewString(),
			userID:   s.broadcasterUserID,
			role:     types.BroadcasterRole(),
			joinedAt: now,
		}
		s.participants[p.id] = p
		s.byUser[p.userID] = p
	}
	l.store.reattach(s, p, connID, now)
}

// CreateAndStart creates and starts in one step. If sessionID names a session
// this broadcaster already prepared, it is started instead.
func (l *Lifecycle) CreateAndStart(identity types.Identity, sessionID, mosqueID string, languages []types.Language, connID string) (types.SessionInfo, error) {
	if sessionID != "" {
		if s := l.store.lookup(sessionID); s != nil &&
			s.getState() == types.StateCreated &&
			s.mosqueID == mosqueID &&
			s.broadcasterUserID == identity.UserID {
			return l.Start(identity, sessionID, connID)
		}
	}

	info, err := l.Create(identity, sessionID, mosqueID, languages, connID)
	if err != nil {
		return types.SessionInfo{}, err
	}
	return l.Start(identity, info.ID, connID)
}

// Stop ends the session on behalf of its broadcaster and returns the summary.
// Eviction happens later in Sweep, after the ended grace period.
func (l *Lifecycle) Stop(identity types.Identity, sessionID string) (types.SessionSummary, error) {
	st := l.store
	s := st.lookup(sessionID)
	if s == nil {
		return types.SessionSummary{}, ErrNotFound
	}

	s.mu.Lock()
	if s.getState() == types.StateEnded {
		s.mu.Unlock()
		return types.SessionSummary{}, ErrNotFound
	}
	if identity.UserID != s.broadcasterUserID {
		s.mu.Unlock()
		return types.SessionSummary{}, ErrForbidden
	}
	summary := s.end(st.now(), types.EndReasonStopped)
	s.mu.Unlock()

	l.finish(summary)
	return summary, nil
}

// finish announces an ended session and archives its summary in the background.
func (l *Lifecycle) finish(summary types.SessionSummary) {
	l.logger.Info("session ended",
		"session_id", summary.SessionID,
		"mosque_id", summary.MosqueID,
		"reason", string(summary.EndReason),
		"duration", summary.Duration.String(),
		"final_listeners", summary.FinalListenerCount,
		"peak_listeners", summary.PeakListenerCount,
		"units", summary.UnitsPublished)

	l.store.broadcastEvent(types.EventSessionEnded, types.SessionEventPayload{
		SessionID: summary.SessionID,
		MosqueID:  summary.MosqueID,
		Summary:   &summary,
	})

	if l.archive == nil || summary.StartedAt.IsZero() {
		return
	}
	l.pending.Add(1)
	go func() {
		defer l.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), l.archiveTimeout)
		defer cancel()
		if err := l.archive.ArchiveBroadcast(ctx, &summary); err != nil {
			l.logger.Warn("failed to archive broadcast summary", "session_id", summary.SessionID, "error", err)
		}
	}()
}

// Sweep evicts expired sessions, ends idle ones and purges participants whose
// reconnect grace ran out.
func (l *Lifecycle) Sweep(now time.Time) SweepResult {
	st := l.store
	cfg := st.cfg

	var (
		result SweepResult
		evict  []*session
		ended  []types.SessionSummary
	)

	for _, s := range st.all() {
		s.mu.Lock()
		evicted := false
		switch s.getState() {
		case types.StateEnded:
			evicted = now.Sub(s.endedAt) > cfg.EndedGrace
		case types.StateCreated:
			if now.Sub(s.createdAt) > cfg.StartupTimeout {
				ended = append(ended, s.end(now, types.EndReasonNeverStarted))
				evicted = true
				l.logger.Warn("session never went live, evicting", "session_id", s.id, "mosque_id", s.mosqueID)
			}
		case types.StateLive:
			if cfg.IdleTimeout > 0 && now.Sub(s.lastUnitAt) > cfg.IdleTimeout {
				ended = append(ended, s.end(now, types.EndReasonIdle))
				result.IdleEnded++
			}
		}

		if evicted {
			for _, p := range s.connected {
				st.unbind(p.connID, s.id)
			}
			evict = append(evict, s)
		} else {
			for _, p := range s.participants {
				if p.connID == "" && now.Sub(p.lastSeenAt) > cfg.ReconnectGrace {
					s.remove(p)
					result.Purged++
				}
			}
			s.pruneDelivered()
		}
		s.mu.Unlock()
	}

	if len(evict) > 0 {
		st.mu.Lock()
		for _, s := range evict {
			if st.sessions[s.id] == s {
				delete(st.sessions, s.id)
			}
			if st.byMosque[s.mosqueID] == s.id {
				delete(st.byMosque, s.mosqueID)
			}
		}
		st.mu.Unlock()
		result.Evicted = len(evict)
	}

	for _, summary := range ended {
		l.finish(summary)
	}
	return result
}

// Run sweeps on the configured interval until ctx is cancelled.
func (l *Lifecycle) Run(ctx context.Context) {
	ticker := time.NewTicker(l.store.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := l.Sweep(l.store.now())
			if res != (SweepResult{}) {
				l.logger.Debug("session sweep",
					"evicted", res.Evicted,
					"idle_ended", res.IdleEnded,
					"purged", res.Purged)
			}
		}
	}
}

// Wait blocks until background archive writes have finished.
func (l *Lifecycle) Wait() {
	l.pending.Wait()
}
