// Package protocol defines the JSON envelope exchanged with the coordinator.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Action names a message type on the wire.
type Action string

// Inbound actions (coordinator -> agent).
const (
	ActionAuthenticated Action = "authenticated"
	ActionSilentPrint   Action = "silentPrint"
	ActionPing          Action = "ping"
	ActionPong          Action = "pong"
	ActionGetQueueStats Action = "getQueueStats"
	ActionClearQueue    Action = "clearQueue"
)

// Outbound actions (agent -> coordinator). Ping and pong travel both ways.
const (
	ActionAuthenticateAgent Action = "authenticateAgent"
	ActionQueueStats        Action = "queueStats"
	ActionQueueCleared      Action = "queueCleared"
)

var (
	ErrMalformed       = errors.New("protocol: malformed message")
	ErrMissingAction   = errors.New("protocol: message has no action")
	ErrMissingPayload  = errors.New("protocol: payload required")
	ErrInvalidDocument = errors.New("protocol: invalid print document")
)

// Envelope is the outer frame of every message.
type Envelope struct {
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HasPayload reports whether the envelope carried a non-null payload.
func (e *Envelope) HasPayload() bool {
	p := strings.TrimSpace(string(e.Payload))
	return p != "" && p != "null"
}

type AuthPayload struct {
	Token     string `json:"token"`
	AgentName string `json:"agentName"`
}

type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// PrintPayload is the body of a silentPrint message.
type PrintPayload struct {
	File        string          `json:"file"`
	Filename    string          `json:"filename"`
	Destino     string          `json:"destino"`
	ContentType string          `json:"contentType"`
	JobID       FlexString      `json:"jobId"`
	IDUsuario   json.RawMessage `json:"idUsuario,omitempty"`
}

type QueueStatsPayload struct {
	Total        int  `json:"total"`
	Processed    int  `json:"processed"`
	Failed       int  `json:"failed"`
	InQueue      int  `json:"inQueue"`
	IsProcessing bool `json:"isProcessing"`
}

type QueueClearedPayload struct {
	Cleared int `json:"cleared"`
}

// Decode parses a raw frame. It fails with ErrMalformed when the frame is not a
// JSON object and with ErrMissingAction when the action field is absent or empty.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Action == "" {
		return nil, ErrMissingAction
	}
	return &env, nil
}

// Encode builds a frame for action. A nil payload is omitted.
func Encode(action Action, payload any) ([]byte, error) {
	env := Envelope{Action: action}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", action, err)
		}
		env.Payload = b
	}
	return json.Marshal(env)
}

// Ping builds a keep-alive frame stamped with now.
func Ping(action Action, now time.Time) ([]byte, error) {
	return Encode(action, PingPayload{Timestamp: now.UnixMilli()})
}

// FlexString accepts either a JSON string or a JSON number. Coordinators are
// not consistent about how they send job ids.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// Document is a decoded, validated silentPrint payload.
type Document struct {
	JobID       string
	Destination string
	Filename    string
	ContentType string
	Data        []byte
	UserID      json.RawMessage
}

// DecodePrint validates a silentPrint envelope and decodes its base64 file.
func DecodePrint(env *Envelope) (*Document, error) {
	if !env.HasPayload() {
		return nil, ErrMissingPayload
	}
	var p PrintPayload
	if err := sonic.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.File == "" {
		return nil, fmt.Errorf("%w: empty file", ErrInvalidDocument)
	}
	data, err := base64.StdEncoding.DecodeString(p.File)
	if err != nil {
		return nil, fmt.Errorf("%w: file is not base64: %v", ErrInvalidDocument, err)
	}
	return &Document{
		JobID:       strings.TrimSpace(string(p.JobID)),
		Destination: strings.TrimSpace(p.Destino),
		Filename:    p.Filename,
		ContentType: p.ContentType,
		Data:        data,
		UserID:      p.IDUsuario,
	}, nil
}
