package types

import (
	"encoding/json"
	"time"
)

// Inbound message types (client -> coordinator).
// ARCHITECTURAL DISCOVERY: Names match the mobile client's socket events so the
// existing apps can talk to the coordinator without a translation layer
const (
	MessageTypeAuthenticate         = "authenticate"
	MessageTypePrepareBroadcast     = "prepare_broadcast"
	MessageTypeStartBroadcast       = "start_broadcast"
	MessageTypeStopBroadcast        = "stop_broadcast"
	MessageTypeJoinSession          = "join_session"
	MessageTypeRejoinSession        = "rejoin_session"
	MessageTypeLeaveSession         = "leave_session"
	MessageTypeRegisterTranslator   = "register_translator"
	MessageTypeSendTranslation      = "send_language_translation"
	MessageTypeUpdatePreferences    = "update_language_preferences"
	MessageTypePublishTranscription = "publish_transcription"
)

// Outbound event types (coordinator -> client).
const (
	EventVoiceTranscription = "voice_transcription"
	EventTranslationUpdate  = "language_translation_update"
	EventListenerJoined     = "listener_joined"
	EventListenerLeft       = "listener_left"
	EventParticipantJoined  = "participant_joined"
	EventSessionStarted     = "session_started"
	EventSessionEnded       = "session_ended"
)

// Role is the identity role produced by the identity verifier.
type Role string

const (
	RoleMosqueAdmin Role = "mosque_admin"
	RoleIndividual  Role = "individual"
	RoleAnonymous   Role = "anonymous"
)

// Identity is the result of authenticating a credential. It is never persisted
// by the coordinator; every authenticate call derives it fresh.
type Identity struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// Language is a BCP-47-ish language tag such as "en" or "fr".
type Language string

// ParticipantKind is the role a participant holds inside one session.
type ParticipantKind string

const (
	KindBroadcaster ParticipantKind = "broadcaster"
	KindTranslator  ParticipantKind = "translator"
	KindListener    ParticipantKind = "listener"
)

// ParticipantRole pairs a kind with the translator language. Language is only
// meaningful for KindTranslator and is fixed at registration.
type ParticipantRole struct {
	Kind     ParticipantKind `json:"kind"`
	Language Language        `json:"language,omitempty"`
}

func BroadcasterRole() ParticipantRole { return ParticipantRole{Kind: KindBroadcaster} }
func ListenerRole() ParticipantRole    { return ParticipantRole{Kind: KindListener} }

func TranslatorRole(lang Language) ParticipantRole {
	return ParticipantRole{Kind: KindTranslator, Language: lang}
}

// SessionState values. Transitions only go Created -> Live -> Ended.
type SessionState string

const (
	StateCreated SessionState = "created"
	StateLive    SessionState = "live"
	StateEnded   SessionState = "ended"
)

// EndReason records why a session reached Ended.
type EndReason string

const (
	EndReasonStopped      EndReason = "stopped"
	EndReasonIdle         EndReason = "idle"
	EndReasonNeverStarted EndReason = "never_started"
)

// Participant is a point-in-time snapshot of one participant record.
// ConnectionID is empty while the participant is disconnected but not yet purged.
type Participant struct {
	ID                  string          `json:"participantId"`
	SessionID           string          `json:"sessionId"`
	UserID              string          `json:"userId"`
	Role                ParticipantRole `json:"role"`
	ConnectionID        string          `json:"connectionId,omitempty"`
	SubscribedLanguages []Language      `json:"subscribedLanguages,omitempty"`
	JoinedAt            time.Time       `json:"joinedAt"`
	LastSeenAt          time.Time       `json:"lastSeenAt"`
}

// Connected reports whether the participant is currently bound to a connection.
func (p Participant) Connected() bool {
	return p.ConnectionID != ""
}

// SessionInfo is a read-only snapshot of a session for APIs and replies.
type SessionInfo struct {
	ID                 string           `json:"sessionId"`
	MosqueID           string           `json:"mosqueId"`
	State              SessionState     `json:"state"`
	BroadcasterUserID  string           `json:"broadcasterUserId"`
	Languages          []Language       `json:"languages"`
	CreatedAt          time.Time        `json:"createdAt"`
	StartedAt          time.Time        `json:"startedAt,omitempty"`
	EndedAt            time.Time        `json:"endedAt,omitempty"`
	ListenerCount      int              `json:"listenerCount"`
	ParticipantCount   int              `json:"participantCount"`
	NextSequenceNumber uint64           `json:"nextSequenceNumber"`
	SubscribersByLang  map[Language]int `json:"subscribersByLanguage,omitempty"`
}

// SessionSummary is computed when a session ends and is the only thing archived.
type SessionSummary struct {
	SessionID          string        `json:"sessionId"`
	MosqueID           string        `json:"mosqueId"`
	StartedAt          time.Time     `json:"startedAt"`
	EndedAt            time.Time     `json:"endedAt"`
	Duration           time.Duration `json:"duration"`
	FinalListenerCount int           `json:"finalListenerCount"`
	PeakListenerCount  int           `json:"peakListenerCount"`
	UnitsPublished     uint64        `json:"unitsPublished"`
	EndReason          EndReason     `json:"endReason"`
}

// TranscriptionUnit is one immutable transcription event. Sequence numbers are
// assigned once per unit and strictly increase within a session.
type TranscriptionUnit struct {
	SessionID      string    `json:"sessionId"`
	SequenceNumber uint64    `json:"sequenceNumber"`
	Text           string    `json:"text"`
	IsFinal        bool      `json:"isFinal"`
	ProducedAt     time.Time `json:"producedAt"`
}

// TranslationUnit is one submitted translation of a transcription unit.
type TranslationUnit struct {
	SessionID            string    `json:"sessionId"`
	Language             Language  `json:"language"`
	SourceSequenceNumber uint64    `json:"sourceSequenceNumber"`
	Text                 string    `json:"text"`
	SubmittedBy          string    `json:"submittedBy"`
	SubmittedAt          time.Time `json:"submittedAt"`
}

// Envelope is the inbound wire frame. Payload is decoded per Type by the hub.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Reply answers one inbound Envelope.
type Reply struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ReplyError `json:"error,omitempty"`
}

// ReplyError carries a stable machine code and a human message.
type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is an unsolicited outbound frame.
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEvent stamps an event with the current UTC time.
func NewEvent(eventType string, payload interface{}) Event {
	return Event{Type: eventType, Payload: payload, Timestamp: time.Now().UTC()}
}

// CountPayload is used by listener_joined / listener_left.
type CountPayload struct {
	SessionID string `json:"sessionId"`
	Count     int    `json:"count"`
}

// ParticipantJoinedPayload is sent to the broadcaster for any new participant.
type ParticipantJoinedPayload struct {
	SessionID     string          `json:"sessionId"`
	ParticipantID string          `json:"participantId"`
	Role          ParticipantRole `json:"role"`
	ListenerCount int             `json:"listenerCount"`
}

// SessionEventPayload is used by session_started / session_ended.
type SessionEventPayload struct {
	SessionID string          `json:"sessionId"`
	MosqueID  string          `json:"mosqueId"`
	Languages []Language      `json:"languages,omitempty"`
	Summary   *SessionSummary `json:"summary,omitempty"`
}
