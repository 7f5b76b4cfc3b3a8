package router

import (
	"encoding/json"
	"sync"
	"testing"

	"minbar/internal/session"
	"minbar/pkg/types"
)

type recordingSender struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func newRecordingSender() *recordingSender {
	return &recordingSender{frames: make(map[string][][]byte)}
}

func (s *recordingSender) SendRaw(connID string, payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[connID] = append(s.frames[connID], payload)
	return true
}

func (s *recordingSender) SendJSON(connID string, v interface{}) bool {
	data, _ := json.Marshal(v)
	return s.SendRaw(connID, data)
}

func (s *recordingSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = make(map[string][][]byte)
}

func (s *recordingSender) BroadcastAuthenticated([]byte) int { return 0 }

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (s *recordingSender) ofType(t *testing.T, connID, eventType string) []json.RawMessage {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []json.RawMessage
	for _, raw := range s.frames[connID] {
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if f.Type == eventType {
			out = append(out, f.Payload)
		}
	}
	return out
}

func (s *recordingSender) transcriptions(t *testing.T, connID string) []types.TranscriptionUnit {
	t.Helper()
	var out []types.TranscriptionUnit
	for _, raw := range s.ofType(t, connID, types.EventVoiceTranscription) {
		var u types.TranscriptionUnit
		json.Unmarshal(raw, &u)
		out = append(out, u)
	}
	return out
}

func (s *recordingSender) translations(t *testing.T, connID string) []types.TranslationUnit {
	t.Helper()
	var out []types.TranslationUnit
	for _, raw := range s.ofType(t, connID, types.EventTranslationUpdate) {
		var u types.TranslationUnit
		json.Unmarshal(raw, &u)
		out = append(out, u)
	}
	return out
}

var (
	imam   = types.Identity{UserID: "imam", Role: types.RoleMosqueAdmin}
	alice  = types.Identity{UserID: "alice", Role: types.RoleIndividual}
	bob    = types.Identity{UserID: "bob", Role: types.RoleAnonymous}
	fatima = types.Identity{UserID: "fatima", Role: types.RoleIndividual}
	yusuf  = types.Identity{UserID: "yusuf", Role: types.RoleIndividual}
)

type env struct {
	sender    *recordingSender
	store     *session.Store
	lifecycle *session.Lifecycle
	relay     *Relay
	fanout    *Fanout
}

// newEnv starts s1 for m1 offering en and fr, broadcaster on conn-imam.
func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.StrictInvariants = true

	e := &env{sender: newRecordingSender()}
	e.store = session.NewStore(e.sender, cfg, nil)
	e.lifecycle = session.NewLifecycle(e.store, nil, nil, nil)
	e.relay = NewRelay(e.store, nil)
	e.fanout = NewFanout(e.store, nil)

	if _, err := e.lifecycle.CreateAndStart(imam, "s1", "m1", []types.Language{"en", "fr"}, "conn-imam"); err != nil {
		t.Fatalf("CreateAndStart() error = %v", err)
	}
	return e
}

func (e *env) listener(t *testing.T, identity types.Identity, connID string, langs ...types.Language) types.Participant {
	t.Helper()
	p, err := e.store.Join(identity, "s1", connID, types.ListenerRole())
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if len(langs) > 0 {
		if _, err := e.store.Subscribe("s1", p.ID, langs); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}
	return p
}

func (e *env) translator(t *testing.T, identity types.Identity, connID string, lang types.Language) types.Participant {
	t.Helper()
	p, err := e.store.Join(identity, "s1", connID, types.TranslatorRole(lang))
	if err != nil {
		t.Fatalf("Join(translator) error = %v", err)
	}
	return p
}
