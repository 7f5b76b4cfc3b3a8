// Package integration drives a fully wired coordinator over real sockets.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"minbar/internal/app"
	"minbar/internal/config"
	"minbar/internal/logging"
	"minbar/pkg/types"
)

const waitTimeout = 5 * time.Second

// testServer is a running Application bound to a loopback port.
type testServer struct {
	app  *app.Application
	addr string
}

func startServer(t *testing.T, mutate func(cfg *config.Config)) *testServer {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Database.Path = filepath.Join(t.TempDir(), "minbar.db")
	cfg.Auth.JWTSecret = "integration-secret"
	cfg.StrictInvariants = true
	if mutate != nil {
		mutate(cfg)
	}

	application, err := app.NewApplication(cfg, logging.New(io.Discard, "error", "json"))
	if err != nil {
		t.Fatalf("NewApplication: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := application.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return &testServer{app: application, addr: application.Addr()}
}

func (s *testServer) token(t *testing.T, userID string, role types.Role) string {
	t.Helper()
	token, err := s.app.Verifier().IssueToken(userID, role, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return token
}

func (s *testServer) getJSON(t *testing.T, path string, v interface{}) int {
	t.Helper()
	resp, err := http.Get("http://" + s.addr + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

// frame is the union of reply and event envelopes.
type frame struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId"`
	Success   bool              `json:"success"`
	Data      json.RawMessage   `json:"data"`
	Error     *types.ReplyError `json:"error"`
	Payload   json.RawMessage   `json:"payload"`
}

// wsClient records every inbound frame so tests can wait for, and later
// count, specific messages regardless of arrival interleaving.
type wsClient struct {
	conn *websocket.Conn

	mu     sync.Mutex
	frames []frame
	used   []bool
	signal chan struct{}
	done   chan struct{}

	nextID atomic.Int64
}

// dial connects with the token on the upgrade request and waits for the
// authentication result.
func (s *testServer) dial(t *testing.T, userID string, role types.Role) *wsClient {
	t.Helper()
	c := s.connect(t, "token="+url.QueryEscape(s.token(t, userID, role)))
	auth := c.waitFor(t, "authenticate_result", func(f frame) bool { return f.Type == "authenticate_result" })
	if !auth.Success {
		t.Fatalf("authentication as %s failed: %+v", userID, auth.Error)
	}
	return c
}

// dialAnonymousSocket connects without a credential.
func (s *testServer) dialAnonymousSocket(t *testing.T) *wsClient {
	t.Helper()
	return s.connect(t, "")
}

func (s *testServer) connect(t *testing.T, query string) *wsClient {
	t.Helper()
	u := url.URL{Scheme: "ws", Host: s.addr, Path: "/ws", RawQuery: query}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u.String(), err)
	}
	c := &wsClient{
		conn:   conn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	t.Cleanup(c.close)
	return c
}

func (c *wsClient) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		c.mu.Lock()
		c.frames = append(c.frames, f)
		c.used = append(c.used, false)
		c.mu.Unlock()
		select {
		case c.signal <- struct{}{}:
		default:
		}
	}
}

func (c *wsClient) close() {
	_ = c.conn.Close()
	<-c.done
}

// waitFor consumes and returns the first unconsumed frame matching match.
func (c *wsClient) waitFor(t *testing.T, desc string, match func(f frame) bool) frame {
	t.Helper()
	deadline := time.NewTimer(waitTimeout)
	defer deadline.Stop()
	for {
		c.mu.Lock()
		for i, f := range c.frames {
			if !c.used[i] && match(f) {
				c.used[i] = true
				c.mu.Unlock()
				return f
			}
		}
		c.mu.Unlock()

		select {
		case <-c.signal:
		case <-c.done:
			// Drain whatever arrived before the socket closed.
			select {
			case <-deadline.C:
				t.Fatalf("timed out waiting for %s", desc)
			case <-time.After(10 * time.Millisecond):
			}
		case <-deadline.C:
			t.Fatalf("timed out waiting for %s", desc)
		}
	}
}

// count returns how many frames received so far, consumed or not, match.
func (c *wsClient) count(match func(f frame) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		if match(f) {
			n++
		}
	}
	return n
}

// send writes one envelope and returns its request id without waiting.
func (c *wsClient) send(t *testing.T, msgType string, payload interface{}) string {
	t.Helper()
	id := fmt.Sprintf("req-%d", c.nextID.Add(1))
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	env := types.Envelope{Type: msgType, RequestID: id, Payload: raw}
	if err := c.conn.WriteJSON(env); err != nil {
		t.Fatalf("send %s: %v", msgType, err)
	}
	return id
}

func (c *wsClient) awaitReply(t *testing.T, msgType, id string) frame {
	t.Helper()
	return c.waitFor(t, msgType+" reply", func(f frame) bool {
		return f.Type == msgType+"_result" && f.RequestID == id
	})
}

// request sends one envelope and returns its reply.
func (c *wsClient) request(t *testing.T, msgType string, payload interface{}) frame {
	t.Helper()
	return c.awaitReply(t, msgType, c.send(t, msgType, payload))
}

func (c *wsClient) mustRequest(t *testing.T, msgType string, payload interface{}) frame {
	t.Helper()
	f := c.request(t, msgType, payload)
	if !f.Success {
		t.Fatalf("%s failed: %+v", msgType, f.Error)
	}
	return f
}

func wantErrorCode(t *testing.T, f frame, code string) {
	t.Helper()
	if f.Success {
		t.Fatalf("%s succeeded, want error %s", f.Type, code)
	}
	if f.Error == nil || f.Error.Code != code {
		t.Fatalf("%s error = %+v, want code %s", f.Type, f.Error, code)
	}
}

func isEvent(eventType string) func(f frame) bool {
	return func(f frame) bool { return f.Type == eventType }
}

func isTranscription(seq uint64) func(f frame) bool {
	return func(f frame) bool {
		if f.Type != types.EventVoiceTranscription {
			return false
		}
		var unit types.TranscriptionUnit
		return json.Unmarshal(f.Payload, &unit) == nil && unit.SequenceNumber == seq
	}
}

func isTranslation(lang types.Language) func(f frame) bool {
	return func(f frame) bool {
		if f.Type != types.EventTranslationUpdate {
			return false
		}
		var unit types.TranslationUnit
		return json.Unmarshal(f.Payload, &unit) == nil && unit.Language == lang
	}
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

// eventually polls cond until it holds or the wait timeout passes.
func eventually(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition never held: %s", desc)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
