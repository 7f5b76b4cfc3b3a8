// Package hub turns inbound client messages into calls on the session and
// routing components and answers each with a result frame.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"minbar/internal/logging"
	"minbar/internal/router"
	"minbar/internal/session"
	"minbar/pkg/interfaces"
	"minbar/pkg/types"
)

// Connections is the slice of the connection registry the hub needs.
type Connections interface {
	interfaces.MessageSender
	Authenticate(ctx context.Context, connID, credential string) (types.Identity, error)
	Identity(connID string) (types.Identity, bool)
}

// Deps groups the components the hub dispatches to.
type Deps struct {
	Connections Connections
	Store       *session.Store
	Lifecycle   *session.Lifecycle
	Reconnector *session.Reconnector
	Relay       *router.Relay
	Fanout      *router.Fanout
	Limiter     *router.RateLimiter // nil disables inbound rate limiting
}

// Hub dispatches inbound messages and runs the background sweepers.
// ARCHITECTURAL DISCOVERY: Each connection's read pump calls the hub directly,
// so one client's messages are handled in arrival order while different
// clients proceed in parallel; serialization happens per session, not here
type Hub struct {
	conns       Connections
	store       *session.Store
	lifecycle   *session.Lifecycle
	reconnector *session.Reconnector
	relay       *router.Relay
	fanout      *router.Fanout
	limiter     *router.RateLimiter
	logger      *slog.Logger

	handlers map[string]handlerFunc

	// TECHNICAL DISCOVERY: RWMutex allows concurrent reads of running state
	running bool
	mu      sync.RWMutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type handlerFunc func(ctx context.Context, connID string, identity types.Identity, raw json.RawMessage) (interface{}, error)

// NewHub wires the dispatcher.
func NewHub(deps Deps, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		conns:       deps.Connections,
		store:       deps.Store,
		lifecycle:   deps.Lifecycle,
		reconnector: deps.Reconnector,
		relay:       deps.Relay,
		fanout:      deps.Fanout,
		limiter:     deps.Limiter,
		logger:      logger,
	}
	h.handlers = map[string]handlerFunc{
		types.MessageTypePrepareBroadcast:     h.handlePrepareBroadcast,
		types.MessageTypeStartBroadcast:       h.handleStartBroadcast,
		types.MessageTypeStopBroadcast:        h.handleStopBroadcast,
		types.MessageTypeJoinSession:          h.handleJoinSession,
		types.MessageTypeRejoinSession:        h.handleRejoinSession,
		types.MessageTypeLeaveSession:         h.handleLeaveSession,
		types.MessageTypeRegisterTranslator:   h.handleRegisterTranslator,
		types.MessageTypeSendTranslation:      h.handleSendTranslation,
		types.MessageTypeUpdatePreferences:    h.handleUpdatePreferences,
		types.MessageTypePublishTranscription: h.handlePublishTranscription,
	}
	return h
}

// Start launches the session sweeper and the rate limiter cleanup.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true

	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.lifecycle.Run(ctx)
	}()
	if h.limiter != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.limiter.Run(ctx)
		}()
	}

	h.logger.Info("hub started")
	return nil
}

// Stop halts the background loops and waits for pending archive writes.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	cancel := h.cancel
	h.mu.Unlock()

	cancel()
	h.wg.Wait()
	h.lifecycle.Wait()
	h.logger.Info("hub stopped")
	return nil
}

// Running reports whether Start has been called without a matching Stop.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// HandleConnect authenticates a credential presented on the upgrade request.
func (h *Hub) HandleConnect(ctx context.Context, connID, credential string) {
	if credential == "" {
		return
	}
	identity, err := h.authenticate(ctx, connID, credential)
	h.reply(ctx, connID, types.Envelope{Type: types.MessageTypeAuthenticate}, authResult(identity, err), err)
}

// HandleMessage decodes one envelope, authorizes it and dispatches it.
func (h *Hub) HandleMessage(ctx context.Context, connID string, data []byte) {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		h.reply(ctx, connID, types.Envelope{Type: "error"}, nil, ErrMalformedMessage)
		return
	}

	if h.limiter != nil && !h.limiter.Allow(connID) {
		logging.LogSecurityEvent(ctx, logging.SecurityEventRateLimited, "inbound message rate limited", "type", env.Type)
		h.reply(ctx, connID, env, nil, router.ErrRateLimitExceeded)
		return
	}

	if env.Type == types.MessageTypeAuthenticate {
		var p authenticatePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			h.reply(ctx, connID, env, nil, err)
			return
		}
		identity, err := h.authenticate(ctx, connID, p.Token)
		h.reply(ctx, connID, env, authResult(identity, err), err)
		return
	}

	handle, ok := h.handlers[env.Type]
	if !ok {
		h.reply(ctx, connID, env, nil, ErrUnknownMessageType)
		return
	}

	identity, ok := h.conns.Identity(connID)
	if !ok {
		logging.LogSecurityEvent(ctx, logging.SecurityEventAuthRequired, "unauthenticated message rejected", "type", env.Type)
		h.reply(ctx, connID, env, nil, ErrNotAuthenticated)
		return
	}
	ctx = logging.UpdateConnAttrs(ctx, identity.UserID, string(identity.Role))

	result, err := handle(ctx, connID, identity, env.Payload)
	if errors.Is(err, session.ErrForbidden) {
		logging.LogSecurityEvent(ctx, logging.SecurityEventForbidden, "operation forbidden", "type", env.Type)
	}
	h.reply(ctx, connID, env, result, err)
}

// HandleDisconnect marks every participant bound to the connection as
// disconnected. Records stay reclaimable for the reconnect grace window.
func (h *Hub) HandleDisconnect(ctx context.Context, connID string) {
	n := h.store.DisconnectConnection(connID)
	if h.limiter != nil {
		h.limiter.Forget(connID)
	}
	if n > 0 {
		h.logger.DebugContext(ctx, "participants disconnected",
			append(logging.ConnFields(ctx), "participants", n)...)
	}
}

// authenticate binds the credential's identity to the connection. When the
// connection switches to a different user, the old user's participant
// bindings are released first.
func (h *Hub) authenticate(ctx context.Context, connID, credential string) (types.Identity, error) {
	previous, hadPrevious := h.conns.Identity(connID)

	identity, err := h.conns.Authenticate(ctx, connID, credential)
	if err != nil {
		logging.LogSecurityEvent(ctx, logging.SecurityEventAuthFailed, "authentication failed", "error", err.Error())
		return types.Identity{}, err
	}

	if hadPrevious && previous.UserID != identity.UserID {
		h.store.DisconnectConnection(connID)
	}

	ctx = logging.UpdateConnAttrs(ctx, identity.UserID, string(identity.Role))
	h.logger.InfoContext(ctx, "connection authenticated", logging.ConnFields(ctx)...)
	return identity, nil
}

func authResult(identity types.Identity, err error) interface{} {
	if err != nil {
		return nil
	}
	return authenticateResult{Identity: identity}
}

// reply answers env on connID. Internal errors are logged and masked.
func (h *Hub) reply(ctx context.Context, connID string, env types.Envelope, data interface{}, err error) {
	r := types.Reply{
		Type:      env.Type + "_result",
		RequestID: env.RequestID,
		Success:   err == nil,
		Data:      data,
	}
	if env.Type == "error" {
		r.Type = "error"
	}
	if err != nil {
		code := ErrorCode(err)
		msg := err.Error()
		if code == CodeInternal {
			h.logger.ErrorContext(ctx, "message handling failed",
				append(logging.ConnFields(ctx), "type", env.Type, "error", err)...)
			msg = "internal error"
		}
		r.Data = nil
		r.Error = &types.ReplyError{Code: code, Message: msg}
	}
	h.conns.SendJSON(connID, r)
}

func (h *Hub) handlePrepareBroadcast(ctx context.Context, connID string, identity types.Identity, raw json.RawMessage) (interface{}, error) {
	var p broadcastPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	return h.lifecycle.Create(identity, p.SessionID, p.MosqueID, p.Languages, connID)
}

// handleStartBroadcast starts a prepared session by ID, or creates and starts
// one for the mosque.
func (h *Hub) handleStartBroadcast(ctx context.Context, connID string, identity types.Identity, raw json.RawMessage) (interface{}, error) {
	var p broadcastPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	if p.MosqueID == "" && p.SessionID != "" {
		return h.lifecycle.Start(identity, p.SessionID, connID)
	}
	return h.lifecycle.CreateAndStart(identity, p.SessionID, p.MosqueID, p.Languages, connID)
}

func (h *Hub) handleStopBroadcast(ctx context.Context, connID string, identity types.Identity, raw json.RawMessage) (interface{}, error) {
	var p sessionPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	return h.lifecycle.Stop(identity, p.SessionID)
}

// handleJoinSession joins with the requested role. A caller that already
// holds that role is transparently reattached.
func (h *Hub) handleJoinSession(ctx context.Context, connID string, identity types.Identity, raw json.RawMessage) (interface{}, error) {
	var p joinPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	participant, err := h.store.Join(identity, p.SessionID, connID, p.role())
	if err != nil {
		return nil, err
	}
	return h.applyLanguages(p, participant, false)
}

func (h *Hub) handleRejoinSession(ctx context.Context, connID string, identity types.Identity, raw json.RawMessage) (interface{}, error) {
	var p joinPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	participant, reclaimed, err := h.reconnector.ReclaimOrJoin(identity, p.SessionID, connID, p.role())
	if err != nil {
		return nil, err
	}
	return h.applyLanguages(p, participant, reclaimed)
}

// applyLanguages subscribes a listener to the languages sent with a join.
// A reclaim without languages keeps the old subscriptions.
func (h *Hub) applyLanguages(p joinPayload, participant types.Participant, reclaimed bool) (interface{}, error) {
	if participant.Role.Kind == types.KindListener && len(p.Languages) > 0 {
		langs, err := h.store.Subscribe(participant.SessionID, participant.ID, p.Languages)
		if err != nil {
			return nil, err
		}
		participant.SubscribedLanguages = langs
	}
	return joinResult{Participant: participant, Reclaimed: reclaimed}, nil
}

func (h *Hub) handleLeaveSession(ctx context.Context, connID string, identity types.Identity, raw json.RawMessage) (interface{}, error) {
	var p sessionPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	participant, err := h.store.ParticipantFor(p.SessionID, identity.UserID)
	if err != nil {
		return nil, err
	}
	if err := h.store.Leave(p.SessionID, participant.ID); err != nil {
		return nil, err
	}
	return sessionPayload{SessionID: p.SessionID}, nil
}

func (h *Hub) handleRegisterTranslator(ctx context.Context, connID string, identity types.Identity, raw json.RawMessage) (interface{}, error) {
	var p translatorPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	participant, err := h.store.Join(identity, p.SessionID, connID, types.TranslatorRole(p.Language))
	if err != nil {
		return nil, err
	}
	return joinResult{Participant: participant}, nil
}

func (h *Hub) handleSendTranslation(ctx context.Context, connID string, identity types.Identity, raw json.RawMessage) (interface{}, error) {
	var p translationPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	unit, recipients, err := h.fanout.Submit(ctx, identity, p.SessionID, p.Language, p.SourceSequenceNumber, p.Text)
	if err != nil {
		return nil, err
	}
	return translationResult{Unit: unit, Recipients: recipients}, nil
}

func (h *Hub) handleUpdatePreferences(ctx context.Context, connID string, identity types.Identity, raw json.RawMessage) (interface{}, error) {
	var p preferencesPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	participant, err := h.store.ParticipantFor(p.SessionID, identity.UserID)
	if err != nil {
		return nil, err
	}
	langs, err := h.store.Subscribe(p.SessionID, participant.ID, p.Languages)
	if err != nil {
		return nil, err
	}
	return subscriptionResult{ParticipantID: participant.ID, Languages: langs}, nil
}

func (h *Hub) handlePublishTranscription(ctx context.Context, connID string, identity types.Identity, raw json.RawMessage) (interface{}, error) {
	var p transcriptionPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	return h.relay.PublishAs(ctx, identity, p.SessionID, p.Text, p.IsFinal)
}
