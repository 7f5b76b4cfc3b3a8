package hub

import (
	"encoding/json"
	"fmt"

	"minbar/pkg/types"
)

// Inbound payloads, one per message type.

type authenticatePayload struct {
	Token string `json:"token"`
}

type broadcastPayload struct {
	SessionID string           `json:"sessionId"`
	MosqueID  string           `json:"mosqueId"`
	Languages []types.Language `json:"languages"`
}

type sessionPayload struct {
	SessionID string `json:"sessionId"`
}

// joinPayload serves join_session and rejoin_session. Role defaults to listener.
type joinPayload struct {
	SessionID string                `json:"sessionId"`
	Role      types.ParticipantKind `json:"role"`
	Language  types.Language        `json:"language"`
	Languages []types.Language      `json:"languages"`
}

type translatorPayload struct {
	SessionID string         `json:"sessionId"`
	Language  types.Language `json:"language"`
}

type translationPayload struct {
	SessionID            string         `json:"sessionId"`
	Language             types.Language `json:"language"`
	SourceSequenceNumber uint64         `json:"sourceSequenceNumber"`
	Text                 string         `json:"text"`
}

type preferencesPayload struct {
	SessionID string           `json:"sessionId"`
	Languages []types.Language `json:"languages"`
}

type transcriptionPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	IsFinal   bool   `json:"isFinal"`
}

// Reply data.

type authenticateResult struct {
	Identity types.Identity `json:"identity"`
}

type joinResult struct {
	Participant types.Participant `json:"participant"`
	Reclaimed   bool              `json:"reclaimed"`
}

type subscriptionResult struct {
	ParticipantID string           `json:"participantId"`
	Languages     []types.Language `json:"languages"`
}

type translationResult struct {
	Unit       types.TranslationUnit `json:"unit"`
	Recipients int                   `json:"recipients"`
}

func decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

func (p joinPayload) role() types.ParticipantRole {
	switch p.Role {
	case "":
		return types.ListenerRole()
	case types.KindTranslator:
		return types.TranslatorRole(p.Language)
	default:
		return types.ParticipantRole{Kind: p.Role}
	}
}
