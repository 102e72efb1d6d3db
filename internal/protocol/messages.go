package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/interviewrt/internal/observability"
)

// EventType discriminates websocket payloads in both directions.
type EventType string

const (
	EventStart        EventType = "start"
	EventMicChunk     EventType = "mic_chunk"
	EventUserTurnEnd  EventType = "user_turn_end"
	EventBargeIn      EventType = "barge_in"
	EventTTSPlayback  EventType = "tts_playback"
	EventEnd          EventType = "end"
	EventSessionReady EventType = "session_ready"
	EventTranscript   EventType = "transcript"
	EventTTSChunk     EventType = "tts_chunk"
	EventAnswerEnd    EventType = "answer_end"
	EventNotice       EventType = "notice"
	EventError        EventType = "error"
	EventMetrics      EventType = "metrics"
	EventReconnecting EventType = "connection.reconnecting"
	EventReconnected  EventType = "connection.reconnected"
)

// Error codes sent in Error messages.
const (
	CodeInvalidJSON           = "INVALID_JSON"
	CodeInvalidMessage        = "INVALID_MESSAGE"
	CodeUnknownEvent          = "UNKNOWN_EVENT"
	CodeSessionNotStarted     = "SESSION_NOT_STARTED"
	CodeSessionAlreadyStarted = "SESSION_ALREADY_STARTED"
	CodeUpstreamUnavailable   = "UPSTREAM_UNAVAILABLE"
	CodeInternalError         = "INTERNAL_ERROR"
	CodeConnectionLost        = "connection_lost"
)

var ErrUnsupportedType = errors.New("unsupported event type")

// ParseError carries the wire error code for a rejected client frame.
type ParseError struct {
	Code   string
	Event  EventType
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Event != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Event, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ClientMessage is the closed set of client → server messages.
type ClientMessage interface {
	clientEvent() EventType
}

type Start struct {
	SessionID   string `json:"session_id"`
	InterviewID string `json:"interview_id,omitempty"`
	CandidateID string `json:"candidate_id,omitempty"`
}

// MicChunk carries PCM16 audio; PCM is the decoded AudioB64.
type MicChunk struct {
	Seq       int      `json:"seq"`
	AudioB64  string   `json:"audio_b64"`
	Timestamp *float64 `json:"timestamp,omitempty"`
	PCM       []byte   `json:"-"`
}

type UserTurnEnd struct {
	Timestamp *float64 `json:"timestamp,omitempty"`
}

type BargeIn struct {
	Timestamp *float64 `json:"timestamp,omitempty"`
}

// TTSPlayback reports when the client actually started playing a tts_chunk.
type TTSPlayback struct {
	Seq       int     `json:"seq"`
	Timestamp float64 `json:"timestamp"`
}

type End struct {
	Reason string `json:"reason,omitempty"`
}

func (Start) clientEvent() EventType       { return EventStart }
func (MicChunk) clientEvent() EventType    { return EventMicChunk }
func (UserTurnEnd) clientEvent() EventType { return EventUserTurnEnd }
func (BargeIn) clientEvent() EventType     { return EventBargeIn }
func (TTSPlayback) clientEvent() EventType { return EventTTSPlayback }
func (End) clientEvent() EventType         { return EventEnd }

// EventOf returns the wire event name of msg.
func EventOf(msg ClientMessage) EventType { return msg.clientEvent() }

type envelope struct {
	Event EventType `json:"event"`
}

// ParseClientMessage decodes one text frame into its ClientMessage variant.
// Failures are always *ParseError.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ParseError{Code: CodeInvalidJSON, Reason: "frame is not a JSON object", Err: err}
	}
	if env.Event == "" {
		return nil, &ParseError{Code: CodeInvalidMessage, Reason: "missing event field"}
	}

	switch env.Event {
	case EventStart:
		var msg Start
		if err := decode(raw, env.Event, &msg); err != nil {
			return nil, err
		}
		msg.SessionID = strings.TrimSpace(msg.SessionID)
		if msg.SessionID == "" {
			return nil, invalid(env.Event, "session_id is required")
		}
		return msg, nil
	case EventMicChunk:
		var msg MicChunk
		if err := decode(raw, env.Event, &msg); err != nil {
			return nil, err
		}
		if msg.Seq < 0 {
			return nil, invalid(env.Event, "seq must be >= 0")
		}
		if msg.AudioB64 == "" {
			return nil, invalid(env.Event, "audio_b64 is required")
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.AudioB64)
		if err != nil {
			return nil, &ParseError{Code: CodeInvalidMessage, Event: env.Event, Reason: "audio_b64 is not valid base64", Err: err}
		}
		msg.PCM = pcm
		return msg, nil
	case EventUserTurnEnd:
		var msg UserTurnEnd
		if err := decode(raw, env.Event, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventBargeIn:
		var msg BargeIn
		if err := decode(raw, env.Event, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventTTSPlayback:
		var msg TTSPlayback
		if err := decode(raw, env.Event, &msg); err != nil {
			return nil, err
		}
		if msg.Seq < 0 {
			return nil, invalid(env.Event, "seq must be >= 0")
		}
		return msg, nil
	case EventEnd:
		var msg End
		if err := decode(raw, env.Event, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, &ParseError{Code: CodeUnknownEvent, Event: env.Event, Reason: "unknown event", Err: ErrUnsupportedType}
	}
}

func decode(raw []byte, event EventType, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return &ParseError{Code: CodeInvalidMessage, Event: event, Reason: "schema mismatch", Err: err}
	}
	return nil
}

func invalid(event EventType, reason string) error {
	return &ParseError{Code: CodeInvalidMessage, Event: event, Reason: reason}
}

// Server → client messages.

type SessionReady struct {
	Event     EventType `json:"event"`
	SessionID string    `json:"session_id"`
	AvatarURL string    `json:"avatar_url,omitempty"`
}

type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerAI   Speaker = "ai"
)

type Transcript struct {
	Event     EventType `json:"event"`
	Text      string    `json:"text"`
	Final     bool      `json:"final"`
	Speaker   Speaker   `json:"speaker"`
	Timestamp *float64  `json:"timestamp,omitempty"`
}

// Alignment maps characters of the spoken text to audio offsets.
type Alignment struct {
	Chars      []string `json:"chars"`
	StartsMS   []int    `json:"char_start_times_ms"`
	DurationMS []int    `json:"char_durations_ms"`
}

type TTSChunk struct {
	Event     EventType  `json:"event"`
	Seq       int        `json:"seq"`
	AudioB64  string     `json:"audio_b64"`
	Alignment *Alignment `json:"alignment,omitempty"`
	IsFinal   bool       `json:"is_final"`
}

type AnswerEnd struct {
	Event     EventType `json:"event"`
	Timestamp *float64  `json:"timestamp,omitempty"`
}

type NoticeLevel string

const (
	LevelInfo    NoticeLevel = "info"
	LevelWarning NoticeLevel = "warning"
)

type Notice struct {
	Event EventType   `json:"event"`
	Msg   string      `json:"msg"`
	Level NoticeLevel `json:"level"`
}

type Error struct {
	Event   EventType `json:"event"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

type Metrics struct {
	Event   EventType                    `json:"event"`
	Latency observability.LatencyMetrics `json:"latency"`
}

type ConnectionReconnecting struct {
	Event       EventType `json:"event"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
}

type ConnectionReconnected struct {
	Event           EventType `json:"event"`
	ContextRestored bool      `json:"context_restored"`
}

func NewSessionReady(sessionID, avatarURL string) SessionReady {
	return SessionReady{Event: EventSessionReady, SessionID: sessionID, AvatarURL: avatarURL}
}

func NewTranscript(speaker Speaker, text string, final bool, ts *float64) Transcript {
	return Transcript{Event: EventTranscript, Text: text, Final: final, Speaker: speaker, Timestamp: ts}
}

func NewTTSChunk(seq int, audioB64 string, isFinal bool) TTSChunk {
	return TTSChunk{Event: EventTTSChunk, Seq: seq, AudioB64: audioB64, IsFinal: isFinal}
}

func NewAnswerEnd(ts *float64) AnswerEnd {
	return AnswerEnd{Event: EventAnswerEnd, Timestamp: ts}
}

func NewNotice(level NoticeLevel, msg string) Notice {
	return Notice{Event: EventNotice, Msg: msg, Level: level}
}

func NewError(code, message string, details any) Error {
	return Error{Event: EventError, Code: code, Message: message, Details: details}
}

// ErrorFromParse converts a parse failure into the error message for the client.
func ErrorFromParse(err error) Error {
	var pe *ParseError
	if errors.As(err, &pe) {
		return NewError(pe.Code, pe.Error(), nil)
	}
	return NewError(CodeInvalidMessage, err.Error(), nil)
}

func NewMetrics(latency observability.LatencyMetrics) Metrics {
	return Metrics{Event: EventMetrics, Latency: latency}
}

func NewReconnecting(attempt, maxAttempts int) ConnectionReconnecting {
	return ConnectionReconnecting{Event: EventReconnecting, Attempt: attempt, MaxAttempts: maxAttempts}
}

func NewReconnected(contextRestored bool) ConnectionReconnected {
	return ConnectionReconnected{Event: EventReconnected, ContextRestored: contextRestored}
}

// EventName extracts the event of a server message for metrics labels.
func EventName(msg any) string {
	switch m := msg.(type) {
	case SessionReady:
		return string(m.Event)
	case Transcript:
		return string(m.Event)
	case TTSChunk:
		return string(m.Event)
	case AnswerEnd:
		return string(m.Event)
	case Notice:
		return string(m.Event)
	case Error:
		return string(m.Event)
	case Metrics:
		return string(m.Event)
	case ConnectionReconnecting:
		return string(m.Event)
	case ConnectionReconnected:
		return string(m.Event)
	default:
		return "unknown"
	}
}
