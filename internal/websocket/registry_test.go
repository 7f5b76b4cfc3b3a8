package websocket

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"minbar/pkg/interfaces"
	"minbar/pkg/types"
)

var _ interfaces.MessageSender = (*Registry)(nil)

// mapVerifier accepts credentials listed in its table.
type mapVerifier struct {
	mu    sync.Mutex
	ids   map[string]types.Identity
	calls int
}

func (v *mapVerifier) Verify(_ context.Context, credential string) (types.Identity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	identity, ok := v.ids[credential]
	if !ok {
		return types.Identity{}, errors.New("invalid credential")
	}
	return identity, nil
}

func newTestRegistry() *Registry {
	return NewRegistry(&mapVerifier{ids: map[string]types.Identity{
		"admin-token":    {UserID: "admin", Role: types.RoleMosqueAdmin},
		"listener-token": {UserID: "listener", Role: types.RoleIndividual},
	}}, nil)
}

func registerFake(t *testing.T, r *Registry) (string, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	id, err := r.Register(NewConnection(transport, DefaultConnectionOptions()))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return id, transport
}

func TestRegistry_NewRegistryInitialization(t *testing.T) {
	registry := newTestRegistry()

	stats := registry.Stats()
	if stats.Connections != 0 || stats.Authenticated != 0 {
		t.Errorf("Expected empty registry, got %+v", stats)
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	registry := newTestRegistry()

	if _, err := registry.Register(nil); !errors.Is(err, ErrNilConnection) {
		t.Errorf("Expected ErrNilConnection, got %v", err)
	}

	conn := NewConnection(newFakeTransport(), DefaultConnectionOptions())
	defer conn.Close()
	if _, err := registry.Register(conn); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := registry.Register(conn); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("Expected ErrDuplicateID, got %v", err)
	}
}

func TestRegistry_RegisterStartsUnbound(t *testing.T) {
	registry := newTestRegistry()
	id, _ := registerFake(t, registry)

	if _, ok := registry.Identity(id); ok {
		t.Error("new connection should have no identity")
	}
	if stats := registry.Stats(); stats.Connections != 1 || stats.Authenticated != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestRegistry_AuthenticateSuccess(t *testing.T) {
	registry := newTestRegistry()
	id, _ := registerFake(t, registry)

	identity, err := registry.Authenticate(context.Background(), id, "admin-token")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if identity.UserID != "admin" || identity.Role != types.RoleMosqueAdmin {
		t.Errorf("unexpected identity %+v", identity)
	}

	bound, ok := registry.Identity(id)
	if !ok || bound != identity {
		t.Errorf("bound identity = %+v, %v", bound, ok)
	}
}

func TestRegistry_AuthenticateFailureLeavesUnbound(t *testing.T) {
	registry := newTestRegistry()
	id, _ := registerFake(t, registry)

	if _, err := registry.Authenticate(context.Background(), id, "bogus"); err == nil {
		t.Fatal("Authenticate() should fail for an unknown credential")
	}
	if _, ok := registry.Identity(id); ok {
		t.Error("failed authentication must not bind an identity")
	}
}

func TestRegistry_AuthenticateIdempotentRebind(t *testing.T) {
	registry := newTestRegistry()
	id, transport := registerFake(t, registry)

	for i := 0; i < 3; i++ {
		if _, err := registry.Authenticate(context.Background(), id, "listener-token"); err != nil {
			t.Fatalf("Authenticate() #%d error = %v", i, err)
		}
	}

	// A bad refresh keeps the previous binding.
	_, _ = registry.Authenticate(context.Background(), id, "bogus")
	identity, ok := registry.Identity(id)
	if !ok || identity.UserID != "listener" {
		t.Errorf("binding lost after failed refresh: %+v, %v", identity, ok)
	}
	if transport.IsClosed() {
		t.Error("re-authentication must not drop the connection")
	}
}

func TestRegistry_AuthenticateUnknownConnection(t *testing.T) {
	registry := newTestRegistry()

	if _, err := registry.Authenticate(context.Background(), "nope", "admin-token"); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("Expected ErrUnknownConnection, got %v", err)
	}
}

func TestRegistry_UnregisterClosesAndIsIdempotent(t *testing.T) {
	registry := newTestRegistry()
	id, transport := registerFake(t, registry)

	registry.Unregister(id)
	registry.Unregister(id)

	if !transport.IsClosed() {
		t.Error("Unregister should close the transport")
	}
	if _, ok := registry.Connection(id); ok {
		t.Error("connection should be gone after Unregister")
	}
}

func TestRegistry_SendToUnknownIsSilent(t *testing.T) {
	registry := newTestRegistry()

	if registry.SendRaw("ghost", []byte("hi")) {
		t.Error("SendRaw to an unknown connection should report false")
	}
	if registry.SendJSON("ghost", map[string]string{"a": "b"}) {
		t.Error("SendJSON to an unknown connection should report false")
	}
}

func TestRegistry_SendJSON(t *testing.T) {
	registry := newTestRegistry()
	id, transport := registerFake(t, registry)

	if !registry.SendJSON(id, map[string]int{"n": 1}) {
		t.Fatal("SendJSON() should succeed")
	}
	waitFor(t, func() bool { return len(transport.Writes()) == 1 })
	if got := transport.Writes()[0]; got != `{"n":1}` {
		t.Errorf("wrote %s", got)
	}

	if registry.SendJSON(id, map[string]interface{}{"f": func() {}}) {
		t.Error("SendJSON() should fail for unencodable values")
	}
}

func TestRegistry_BroadcastAuthenticated(t *testing.T) {
	registry := newTestRegistry()
	authedID, authed := registerFake(t, registry)
	_, anon := registerFake(t, registry)

	if _, err := registry.Authenticate(context.Background(), authedID, "listener-token"); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	if n := registry.BroadcastAuthenticated([]byte("hello")); n != 1 {
		t.Errorf("BroadcastAuthenticated() = %d, want 1", n)
	}
	waitFor(t, func() bool { return len(authed.Writes()) == 1 })
	if len(anon.Writes()) != 0 {
		t.Error("unauthenticated connection must not receive broadcasts")
	}
}

func TestRegistry_ConcurrentOperations(t *testing.T) {
	registry := newTestRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := registry.Register(NewConnection(newFakeTransport(), DefaultConnectionOptions()))
			if err != nil {
				t.Errorf("Register() error = %v", err)
				return
			}
			_, _ = registry.Authenticate(context.Background(), id, "listener-token")
			registry.SendRaw(id, []byte("x"))
			registry.BroadcastAuthenticated([]byte("y"))
			registry.Unregister(id)
		}()
	}
	wg.Wait()

	if stats := registry.Stats(); stats.Connections != 0 {
		t.Errorf("expected all connections removed, got %d", stats.Connections)
	}
}

func TestRegistry_OverflowLogIsThrottled(t *testing.T) {
	var buf bytes.Buffer
	registry := NewRegistry(&mapVerifier{}, slog.New(slog.NewJSONHandler(&buf, nil)))

	conn, transport := blockedConnection(t, DropNewest)
	defer close(transport.release)
	defer conn.Close()
	id, err := registry.Register(conn)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	for i := 0; i < 10; i++ {
		if registry.SendRaw(id, []byte("unit")) {
			t.Fatalf("send %d should overflow a full DropNewest queue", i)
		}
	}

	if got := registry.Stats().DroppedMessages; got != 10 {
		t.Errorf("DroppedMessages = %d, want 10", got)
	}
	// Drops 1, 2, 4 and 8 are logged.
	if lines := strings.Count(buf.String(), "outbound queue overflow"); lines != 4 {
		t.Errorf("overflow log lines = %d, want 4:\n%s", lines, buf.String())
	}
}
