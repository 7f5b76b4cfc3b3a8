package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"minbar/pkg/types"
)

// fakeSender records frames per connection.
type fakeSender struct {
	mu         sync.Mutex
	frames     map[string][][]byte
	broadcasts [][]byte
}

func newFakeSender() *fakeSender {
	return &fakeSender{frames: make(map[string][][]byte)}
}

func (f *fakeSender) SendRaw(connID string, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames[connID] = append(f.frames[connID], payload)
	return true
}

func (f *fakeSender) SendJSON(connID string, v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return f.SendRaw(connID, data)
}

func (f *fakeSender) BroadcastAuthenticated(payload []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, payload)
	return 1
}

type wireEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func decodeEvents(t *testing.T, frames [][]byte) []wireEvent {
	t.Helper()
	out := make([]wireEvent, 0, len(frames))
	for _, frame := range frames {
		var ev wireEvent
		if err := json.Unmarshal(frame, &ev); err != nil {
			t.Fatalf("bad frame %s: %v", frame, err)
		}
		out = append(out, ev)
	}
	return out
}

func (f *fakeSender) events(t *testing.T, connID string) []wireEvent {
	f.mu.Lock()
	frames := append([][]byte(nil), f.frames[connID]...)
	f.mu.Unlock()
	return decodeEvents(t, frames)
}

func (f *fakeSender) broadcastEvents(t *testing.T) []wireEvent {
	f.mu.Lock()
	frames := append([][]byte(nil), f.broadcasts...)
	f.mu.Unlock()
	return decodeEvents(t, frames)
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = make(map[string][][]byte)
	f.broadcasts = nil
}

func eventsOfType(events []wireEvent, eventType string) []wireEvent {
	var out []wireEvent
	for _, ev := range events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func lastCount(t *testing.T, events []wireEvent, eventType string) int {
	t.Helper()
	matching := eventsOfType(events, eventType)
	if len(matching) == 0 {
		t.Fatalf("no %s event", eventType)
	}
	var payload types.CountPayload
	if err := json.Unmarshal(matching[len(matching)-1].Payload, &payload); err != nil {
		t.Fatalf("bad %s payload: %v", eventType, err)
	}
	return payload.Count
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingObserver struct {
	mu      sync.Mutex
	started []types.SessionInfo
}

func (o *recordingObserver) OnSessionStarted(info types.SessionInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, info)
}

type recordingArchive struct {
	mu        sync.Mutex
	summaries []types.SessionSummary
}

func (a *recordingArchive) ArchiveBroadcast(_ context.Context, summary *types.SessionSummary) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summaries = append(a.summaries, *summary)
	return nil
}

func (a *recordingArchive) ListBroadcasts(context.Context, string, int) ([]*types.SessionSummary, error) {
	return nil, nil
}

type fixture struct {
	store     *Store
	lifecycle *Lifecycle
	reconnect *Reconnector
	sender    *fakeSender
	clock     *testClock
	observer  *recordingObserver
	archive   *recordingArchive
}

var (
	admin    = types.Identity{UserID: "imam", Role: types.RoleMosqueAdmin}
	admin2   = types.Identity{UserID: "other-imam", Role: types.RoleMosqueAdmin}
	alice    = types.Identity{UserID: "alice", Role: types.RoleIndividual}
	bob      = types.Identity{UserID: "bob", Role: types.RoleIndividual}
	guest    = types.Identity{UserID: "guest-1", Role: types.RoleAnonymous}
	fatima   = types.Identity{UserID: "fatima", Role: types.RoleIndividual}
	frLang   = types.Language("fr")
	enLang   = types.Language("en")
	langsEF  = []types.Language{enLang, frLang}
	basetime = time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)
)

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.StrictInvariants = true
	for _, m := range mutate {
		m(&cfg)
	}

	f := &fixture{
		sender:   newFakeSender(),
		clock:    &testClock{now: basetime},
		observer: &recordingObserver{},
		archive:  &recordingArchive{},
	}
	f.store = NewStore(f.sender, cfg, nil)
	f.store.now = f.clock.Now
	f.lifecycle = NewLifecycle(f.store, f.observer, f.archive, nil)
	f.reconnect = NewReconnector(f.store)
	return f
}

// live starts session s1 for mosque m1 with en/fr, broadcaster on conn-b.
func (f *fixture) live(t *testing.T) types.SessionInfo {
	t.Helper()
	info, err := f.lifecycle.CreateAndStart(admin, "s1", "m1", langsEF, "conn-b")
	if err != nil {
		t.Fatalf("CreateAndStart() error = %v", err)
	}
	return info
}
