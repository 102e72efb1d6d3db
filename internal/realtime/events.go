package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Upstream server event types consumed by the broker.
const (
	EventSessionCreated         = "session.created"
	EventSessionUpdated         = "session.updated"
	EventSpeechStarted          = "input_audio_buffer.speech_started"
	EventSpeechStopped          = "input_audio_buffer.speech_stopped"
	EventInputCommitted         = "input_audio_buffer.committed"
	EventTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventResponseCreated        = "response.created"
	EventAudioDelta             = "response.audio.delta"
	EventAudioDone              = "response.audio.done"
	EventAudioTranscriptDone    = "response.audio_transcript.done"
	EventOutputItemDone         = "response.output_item.done"
	EventFunctionCallArgsDone   = "response.function_call_arguments.done"
	EventResponseDone           = "response.done"
	EventError                  = "error"
	EventConnectionReconnecting = "connection.reconnecting"
	EventConnectionReconnected  = "connection.reconnected"
	ErrorCodeConnectionLost     = "connection_lost"
	EndInterviewToolName        = "end_interview"
)

// ServerEvent is one upstream event decoded just far enough to route it.
// Raw keeps the original frame for anything the broker does not model.
type ServerEvent struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id,omitempty"`
	ItemID     string          `json:"item_id,omitempty"`
	ResponseID string          `json:"response_id,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Name       string          `json:"name,omitempty"`
	CallID     string          `json:"call_id,omitempty"`
	Arguments  string          `json:"arguments,omitempty"`
	Item       *Item           `json:"item,omitempty"`
	Error      *ErrorDetail    `json:"error,omitempty"`
	Raw        json.RawMessage `json:"-"`

	// Set on synthetic connection events only.
	Attempt         int  `json:"attempt,omitempty"`
	MaxAttempts     int  `json:"max_attempts,omitempty"`
	ContextRestored bool `json:"context_restored,omitempty"`
}

type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

// Item is a conversation item as it appears in output_item events and in
// conversation.item.create requests.
type Item struct {
	ID        string        `json:"id,omitempty"`
	Type      string        `json:"type"`
	Role      string        `json:"role,omitempty"`
	Status    string        `json:"status,omitempty"`
	Name      string        `json:"name,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Content   []ItemContent `json:"content,omitempty"`
}

type ItemContent struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// Text joins the textual parts of an item.
func (it *Item) Text() string {
	if it == nil {
		return ""
	}
	parts := make([]string, 0, len(it.Content))
	for _, c := range it.Content {
		switch {
		case strings.TrimSpace(c.Text) != "":
			parts = append(parts, strings.TrimSpace(c.Text))
		case strings.TrimSpace(c.Transcript) != "":
			parts = append(parts, strings.TrimSpace(c.Transcript))
		}
	}
	return strings.Join(parts, " ")
}

// DecodeServerEvent parses one upstream text frame.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var evt ServerEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return ServerEvent{}, fmt.Errorf("decode server event: %w", err)
	}
	if evt.Type == "" {
		return ServerEvent{}, fmt.Errorf("decode server event: missing type")
	}
	evt.Raw = append(json.RawMessage(nil), data...)
	return evt, nil
}

// ErrorCode returns the most specific code of an error event.
func (e ServerEvent) ErrorCode() string {
	if e.Error == nil {
		return ""
	}
	if e.Error.Code != "" {
		return e.Error.Code
	}
	return e.Error.Type
}

func (e ServerEvent) ErrorMessage() string {
	if e.Error == nil {
		return ""
	}
	return e.Error.Message
}

func reconnectingEvent(attempt, max int) ServerEvent {
	return ServerEvent{Type: EventConnectionReconnecting, Attempt: attempt, MaxAttempts: max}
}

func reconnectedEvent(restored bool) ServerEvent {
	return ServerEvent{Type: EventConnectionReconnected, ContextRestored: restored}
}

func connectionLostEvent(attempts int) ServerEvent {
	return ServerEvent{
		Type: EventError,
		Error: &ErrorDetail{
			Type:    "connection_error",
			Code:    ErrorCodeConnectionLost,
			Message: fmt.Sprintf("upstream connection lost after %d reconnect attempts", attempts),
		},
	}
}

// Client → upstream wire shapes.

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    bool    `json:"create_response"`
	InterruptResponse bool    `json:"interrupt_response"`
}

type Transcription struct {
	Model string `json:"model"`
}

type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// SessionConfig is the full session.update payload. A nil TurnDetection is
// sent as null, which switches the upstream to manual commits.
type SessionConfig struct {
	Modalities              []string       `json:"modalities"`
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection"`
	Tools                   []Tool         `json:"tools,omitempty"`
	ToolChoice              string         `json:"tool_choice,omitempty"`
	Temperature             float64        `json:"temperature,omitempty"`
}

type clientEvent struct {
	Type     string         `json:"type"`
	EventID  string         `json:"event_id,omitempty"`
	Session  any            `json:"session,omitempty"`
	Audio    string         `json:"audio,omitempty"`
	Item     *Item          `json:"item,omitempty"`
	Response *responseParam `json:"response,omitempty"`
}

type responseParam struct {
	Instructions string `json:"instructions,omitempty"`
}

type turnDetectionUpdate struct {
	TurnDetection *TurnDetection `json:"turn_detection"`
}

func endInterviewTool() Tool {
	return Tool{
		Type:        "function",
		Name:        EndInterviewToolName,
		Description: "End the interview once every planned question is covered or the candidate asks to stop.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Short reason for ending the interview.",
				},
			},
			"required": []string{"reason"},
		},
	}
}
