package uco

import (
	"encoding/json"
	"fmt"
)

// inbound message types consumed from the backend
const (
	MessageTypeConnectionEstablished = "connection_established"
	MessageTypeConnected             = "connected"
	MessageTypeAuthResponse          = "auth.response"
	MessageTypeUcoState              = "uco.state"
	MessageTypeUcoFieldUpdate        = "uco.field_update"
	MessageTypeUcoSubscribed         = "uco.subscribed"
	MessageTypeUcoConversationAdded  = "uco.conversation_added"
	MessageTypeUcoError              = "uco.error"
	MessageTypeError                 = "error"
	MessageTypePing                  = "ping"
	MessageTypePong                  = "pong"
)

// outbound message types
const (
	MessageTypeAuth               = "auth"
	MessageTypeUcoRequestState    = "uco.request_state"
	MessageTypeUcoSubscribe       = "uco.subscribe"
	MessageTypeUcoAddConversation = "uco.add_conversation"
	MessageTypeUcoUpdateComponent = "uco.update_component"
)

// Frame is the wire envelope in both directions.
// ClientId is empty until the server assigns one on connect;
// frames sent before that simply omit it.
type Frame struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
	MessageId string         `json:"messageId,omitempty"`
	ClientId  string         `json:"clientId,omitempty"`
}

func EncodeFrame(frame *Frame) ([]byte, error) {
	return json.Marshal(frame)
}

func DecodeFrame(message []byte) (*Frame, error) {
	frame := &Frame{}
	if err := json.Unmarshal(message, frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return frame, nil
}

// stringValue reads the first present non-empty string among the given
// spellings. The backend is not consistent about envelope field names;
// every alternate spelling is handled here at the boundary only.
func stringValue(data map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if value, ok := data[key].(string); ok && value != "" {
			return value, true
		}
	}
	return "", false
}
