package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeClientMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		validate func(*ClientMessage) bool
		errorMsg string
	}{
		{
			name:     "auto mode on",
			input:    `{"type":"mode","auto":true}`,
			validate: func(m *ClientMessage) bool { return m.Type == TypeMode && m.Auto },
		},
		{
			name:     "listen with text",
			input:    `{"type":"listen","active":false,"text":"what is this"}`,
			validate: func(m *ClientMessage) bool { return !m.Active && m.Text == "what is this" },
		},
		{
			name:     "continuation",
			input:    `{"type":"continuation","enabled":true}`,
			validate: func(m *ClientMessage) bool { return m.Enabled },
		},
		{
			name:     "frame",
			input:    `{"type":"frame","mimeType":"image/png","data":"aGk="}`,
			validate: func(m *ClientMessage) bool { return m.MimeType == "image/png" && m.Data == "aGk=" },
		},
		{
			name:     "reset",
			input:    `{"type":"reset"}`,
			validate: func(m *ClientMessage) bool { return m.Type == TypeReset },
		},
		{name: "frame without data", input: `{"type":"frame"}`, errorMsg: "without data"},
		{name: "missing type", input: `{"auto":true}`, errorMsg: "type missing"},
		{name: "unknown type", input: `{"type":"dance"}`, errorMsg: "unknown message type"},
		{name: "not json", input: `hello`, errorMsg: "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeClientMessage([]byte(tt.input))
			if tt.errorMsg != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing %q, got %v", tt.errorMsg, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if !tt.validate(msg) {
				t.Errorf("Unexpected message: %+v", msg)
			}
		})
	}
}

func TestClientMessageFrame(t *testing.T) {
	tests := []struct {
		name     string
		msg      ClientMessage
		mimeType string
		data     string
		errorMsg string
	}{
		{
			name:     "data URL",
			msg:      ClientMessage{Type: TypeFrame, Data: "data:image/jpeg;base64,aGVsbG8="},
			mimeType: "image/jpeg",
			data:     "aGVsbG8=",
		},
		{
			name:     "explicit fields",
			msg:      ClientMessage{Type: TypeFrame, MimeType: "image/webp", Data: "aGVsbG8="},
			mimeType: "image/webp",
			data:     "aGVsbG8=",
		},
		{
			name:     "default mime",
			msg:      ClientMessage{Type: TypeFrame, Data: "aGVsbG8="},
			mimeType: "image/jpeg",
			data:     "aGVsbG8=",
		},
		{
			name:     "not an image",
			msg:      ClientMessage{Type: TypeFrame, Data: "data:text/plain;base64,aGVsbG8="},
			errorMsg: "unsupported frame mime type",
		},
		{
			name:     "not base64",
			msg:      ClientMessage{Type: TypeFrame, Data: "data:image/png,rawbytes"},
			errorMsg: "not base64 encoded",
		},
		{
			name:     "bad payload",
			msg:      ClientMessage{Type: TypeFrame, MimeType: "image/png", Data: "%%%"},
			errorMsg: "frame data is not base64",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := tt.msg.Frame()
			if tt.errorMsg != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing %q, got %v", tt.errorMsg, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if rec.MimeType != tt.mimeType || rec.Data != tt.data {
				t.Errorf("Expected %s/%s, got %s/%s", tt.mimeType, tt.data, rec.MimeType, rec.Data)
			}
		})
	}
}

func TestParseDataURL(t *testing.T) {
	mimeType, data, err := ParseDataURL("data:image/jpeg;base64,/9j/4AAQ")
	if err != nil {
		t.Fatalf("ParseDataURL failed: %v", err)
	}
	if mimeType != "image/jpeg" || data != "/9j/4AAQ" {
		t.Errorf("Unexpected split: %q %q", mimeType, data)
	}

	if _, _, err := ParseDataURL("image/jpeg;base64,abc"); err == nil {
		t.Error("Expected error without data: scheme")
	}
}

func TestServerMessageJSON(t *testing.T) {
	tests := []struct {
		msg      ServerMessage
		expected string
	}{
		{Status("Listening. . .", true), `{"type":"status","text":"Listening. . .","loading":true}`},
		{Status("", false), `{"type":"status"}`},
		{Response("hi"), `{"type":"response","text":"hi"}`},
		{Speak("hi"), `{"type":"speak","text":"hi"}`},
		{Error("bad frame"), `{"type":"error","text":"bad frame"}`},
		{Session("abc"), `{"type":"session","session_id":"abc"}`},
	}

	for _, tt := range tests {
		t.Run(tt.msg.Type, func(t *testing.T) {
			out, err := json.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if string(out) != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, out)
			}
		})
	}
}
