package session

import (
	"errors"

	"minbar/pkg/types"
)

// Reconnector restores a roaming client's participant record on a new connection.
// FUNCTIONAL DISCOVERY: Mobile listeners switch networks constantly; a blip must
// neither drop their language subscriptions nor count them twice
type Reconnector struct {
	store *Store
}

func NewReconnector(store *Store) *Reconnector {
	return &Reconnector{store: store}
}

// Reclaim rebinds the identity's existing participant in sessionID to connID.
// It returns ErrNoReclaimable when there is no record or its grace window has
// passed.
func (r *Reconnector) Reclaim(identity types.Identity, sessionID, connID string) (types.Participant, error) {
	st := r.store
	s := st.lookup(sessionID)
	if s == nil {
		return types.Participant{}, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getState() == types.StateEnded {
		return types.Participant{}, ErrNotFound
	}

	p, ok := s.byUser[identity.UserID]
	if !ok {
		return types.Participant{}, ErrNoReclaimable
	}

	now := st.now()
	if p.connID == "" && now.Sub(p.lastSeenAt) > st.cfg.ReconnectGrace {
		s.remove(p)
		return types.Participant{}, ErrNoReclaimable
	}

	st.reattach(s, p, connID, now)
	st.logger.Debug("participant reclaimed",
		"session_id", s.id,
		"participant_id", p.id,
		"user_id", p.userID)
	return p.snapshot(s.id), nil
}

// ReclaimOrJoin reclaims when possible and otherwise joins fresh with role.
// The boolean reports whether an existing record was reclaimed.
func (r *Reconnector) ReclaimOrJoin(identity types.Identity, sessionID, connID string, role types.ParticipantRole) (types.Participant, bool, error) {
	p, err := r.Reclaim(identity, sessionID, connID)
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, ErrNoReclaimable) {
		return types.Participant{}, false, err
	}

	p, err = r.store.Join(identity, sessionID, connID, role)
	if err != nil {
		return types.Participant{}, false, err
	}
	return p, false, nil
}
