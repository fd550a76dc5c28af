package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/youkpan/gemini-assistant/internal/audio"
)

// Client message types
const (
	TypeMode         = "mode"
	TypeListen       = "listen"
	TypeContinuation = "continuation"
	TypeFrame        = "frame"
	TypeReset        = "reset"
)

// Server message types
const (
	TypeSession  = "session"
	TypeStatus   = "status"
	TypeResponse = "response"
	TypeSpeak    = "speak"
	TypeError    = "error"
)

// ClientMessage is any JSON message the browser sends. Which fields are
// meaningful depends on Type.
type ClientMessage struct {
	Type string `json:"type"`

	// mode
	Auto bool `json:"auto,omitempty"`

	// listen
	Active bool   `json:"active,omitempty"`
	Text   string `json:"text,omitempty"`

	// continuation
	Enabled bool `json:"enabled,omitempty"`

	// frame
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// ServerMessage is any JSON message the gateway sends.
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Loading   bool   `json:"loading,omitempty"`
}

// DecodeClientMessage parses and validates a text message.
func DecodeClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message JSON: %w", err)
	}

	switch msg.Type {
	case TypeMode, TypeListen, TypeContinuation, TypeReset:
	case TypeFrame:
		if msg.Data == "" {
			return nil, errors.New("frame message without data")
		}
	case "":
		return nil, errors.New("message type missing")
	default:
		return nil, fmt.Errorf("unknown message type: %q", msg.Type)
	}

	return &msg, nil
}

// Frame converts a frame message into a record, splitting data: URLs the way
// canvas.toDataURL produces them.
func (m *ClientMessage) Frame() (audio.FrameRecord, error) {
	mimeType, data := m.MimeType, m.Data
	if strings.HasPrefix(data, "data:") {
		var err error
		mimeType, data, err = ParseDataURL(data)
		if err != nil {
			return audio.FrameRecord{}, err
		}
	}

	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return audio.FrameRecord{}, fmt.Errorf("unsupported frame mime type: %q", mimeType)
	}
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return audio.FrameRecord{}, fmt.Errorf("frame data is not base64: %w", err)
	}

	return audio.FrameRecord{MimeType: mimeType, Data: data}, nil
}

// ParseDataURL splits "data:<mime>;base64,<payload>".
func ParseDataURL(url string) (mimeType, data string, err error) {
	head, payload, ok := strings.Cut(url, ";base64,")
	if !ok {
		return "", "", errors.New("data URL is not base64 encoded")
	}
	mimeType, ok = strings.CutPrefix(head, "data:")
	if !ok {
		return "", "", errors.New("missing data: scheme")
	}
	return mimeType, payload, nil
}

// Status builds a status message.
func Status(text string, loading bool) ServerMessage {
	return ServerMessage{Type: TypeStatus, Text: text, Loading: loading}
}

// Response builds a response message.
func Response(text string) ServerMessage {
	return ServerMessage{Type: TypeResponse, Text: text}
}

// Speak builds a speak message.
func Speak(text string) ServerMessage {
	return ServerMessage{Type: TypeSpeak, Text: text}
}

// Error builds an error message.
func Error(text string) ServerMessage {
	return ServerMessage{Type: TypeError, Text: text}
}

// Session builds the greeting sent once a connection is registered.
func Session(id string) ServerMessage {
	return ServerMessage{Type: TypeSession, SessionID: id}
}
