package protocol

import (
	"encoding/json"
	"fmt"
)

// AIMessageType identifies conversational-AI socket payload variants.
type AIMessageType string

const (
	TypeAudio                          AIMessageType = "audio"
	TypeInterruption                   AIMessageType = "interruption"
	TypePing                           AIMessageType = "ping"
	TypePong                           AIMessageType = "pong"
	TypeConversationInitiationMetadata AIMessageType = "conversation_initiation_metadata"
	TypeConversationInitiation         AIMessageType = "conversation_initiation_client_data"
	TypeAgentResponse                  AIMessageType = "agent_response"
	TypeUserTranscript                 AIMessageType = "user_transcript"
)

// AIEvent is the closed set of inbound conversational-AI messages.
type AIEvent interface {
	aiEvent()
}

type aiEnvelope struct {
	Type AIMessageType `json:"type"`

	Audio      json.RawMessage `json:"audio,omitempty"`
	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int64  `json:"event_id"`
	} `json:"audio_event,omitempty"`

	InterruptionEvent *struct {
		EventID int64 `json:"event_id"`
	} `json:"interruption_event,omitempty"`

	PingEvent *struct {
		EventID int64 `json:"event_id"`
		PingMS  int64 `json:"ping_ms"`
	} `json:"ping_event,omitempty"`
	EventID *int64 `json:"event_id,omitempty"`

	MetadataEvent *struct {
		ConversationID         string `json:"conversation_id"`
		AgentOutputAudioFormat string `json:"agent_output_audio_format"`
		UserInputAudioFormat   string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`
}

// AIAudio is a chunk of agent speech, base64 encoded in the negotiated output format.
type AIAudio struct {
	Base64  string
	EventID int64
}

// AIInterruption signals the caller started talking over the agent.
type AIInterruption struct {
	EventID int64
}

// AIPing must be answered with a Pong carrying the same EventID.
type AIPing struct {
	EventID int64
	PingMS  int64
}

type AIConversationMetadata struct {
	ConversationID    string
	AgentOutputFormat string
	UserInputFormat   string
}

type AIAgentResponse struct {
	Text string
}

type AIUserTranscript struct {
	Text string
}

// UnknownAIEvent carries message types this relay does not understand.
type UnknownAIEvent struct {
	Type string
}

func (AIAudio) aiEvent()                {}
func (AIInterruption) aiEvent()         {}
func (AIPing) aiEvent()                 {}
func (AIConversationMetadata) aiEvent() {}
func (AIAgentResponse) aiEvent()        {}
func (AIUserTranscript) aiEvent()       {}
func (UnknownAIEvent) aiEvent()         {}

// ParseAIMessage decodes one conversational-AI text frame.
func ParseAIMessage(raw []byte) (AIEvent, error) {
	var env aiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: ai envelope: %v", ErrInvalidMessage, err)
	}

	switch env.Type {
	case TypeAudio:
		return parseAIAudio(env), nil
	case TypeInterruption:
		ev := AIInterruption{}
		if env.InterruptionEvent != nil {
			ev.EventID = env.InterruptionEvent.EventID
		}
		return ev, nil
	case TypePing:
		switch {
		case env.PingEvent != nil:
			return AIPing{EventID: env.PingEvent.EventID, PingMS: env.PingEvent.PingMS}, nil
		case env.EventID != nil:
			return AIPing{EventID: *env.EventID}, nil
		default:
			return nil, fmt.Errorf("%w: ping without event_id", ErrInvalidMessage)
		}
	case TypeConversationInitiationMetadata:
		ev := AIConversationMetadata{}
		if env.MetadataEvent != nil {
			ev.ConversationID = env.MetadataEvent.ConversationID
			ev.AgentOutputFormat = env.MetadataEvent.AgentOutputAudioFormat
			ev.UserInputFormat = env.MetadataEvent.UserInputAudioFormat
		}
		return ev, nil
	case TypeAgentResponse:
		ev := AIAgentResponse{}
		if env.AgentResponseEvent != nil {
			ev.Text = env.AgentResponseEvent.AgentResponse
		}
		return ev, nil
	case TypeUserTranscript:
		ev := AIUserTranscript{}
		if env.UserTranscriptionEvent != nil {
			ev.Text = env.UserTranscriptionEvent.UserTranscript
		}
		return ev, nil
	default:
		return UnknownAIEvent{Type: string(env.Type)}, nil
	}
}

// parseAIAudio accepts both observed payload shapes: audio.chunk and audio_event.audio_base_64.
func parseAIAudio(env aiEnvelope) AIAudio {
	var ev AIAudio
	if len(env.Audio) > 0 {
		var nested struct {
			Chunk string `json:"chunk"`
		}
		if err := json.Unmarshal(env.Audio, &nested); err == nil && nested.Chunk != "" {
			ev.Base64 = nested.Chunk
		} else {
			var flat string
			if err := json.Unmarshal(env.Audio, &flat); err == nil {
				ev.Base64 = flat
			}
		}
	}
	if env.AudioEvent != nil {
		ev.EventID = env.AudioEvent.EventID
		if ev.Base64 == "" {
			ev.Base64 = env.AudioEvent.AudioBase64
		}
	}
	return ev
}

// ConversationInitiation is the first frame sent on a fresh AI socket.
type ConversationInitiation struct {
	Type     AIMessageType        `json:"type"`
	Override ConversationOverride `json:"conversation_config_override"`
}

type ConversationOverride struct {
	Agent AgentOverride `json:"agent"`
	TTS   *TTSOverride  `json:"tts,omitempty"`
}

type AgentOverride struct {
	Prompt       PromptOverride `json:"prompt"`
	FirstMessage string         `json:"first_message,omitempty"`
}

type PromptOverride struct {
	Prompt string `json:"prompt"`
}

type TTSOverride struct {
	VoiceID string `json:"voice_id"`
}

// NewConversationInitiation builds the init envelope; an empty voiceID keeps the agent's voice.
func NewConversationInitiation(voiceID, prompt, firstMessage string) ConversationInitiation {
	msg := ConversationInitiation{
		Type: TypeConversationInitiation,
		Override: ConversationOverride{
			Agent: AgentOverride{
				Prompt:       PromptOverride{Prompt: prompt},
				FirstMessage: firstMessage,
			},
		},
	}
	if voiceID != "" {
		msg.Override.TTS = &TTSOverride{VoiceID: voiceID}
	}
	return msg
}

// UserAudioChunk forwards caller audio upstream.
type UserAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type Pong struct {
	Type    AIMessageType `json:"type"`
	EventID int64         `json:"event_id"`
}

func NewPong(eventID int64) Pong {
	return Pong{Type: TypePong, EventID: eventID}
}
