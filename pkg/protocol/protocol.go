// Package protocol defines the JSON messages exchanged with the MechArm peer over
// the control WebSocket and the HTTP fallback endpoints.
//
// Every message is a single JSON object tagged by its "type" field.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type tags a message variant.
type Type string

const (
	TypePing      Type = "ping"
	TypePong      Type = "pong"
	TypeAngles    Type = "angles"
	TypeGripper   Type = "gripper"
	TypeReset     Type = "reset"
	TypeSync      Type = "sync"
	TypeTarget    Type = "target"
	TypeAck       Type = "ack"
	TypeTargetAck Type = "target_ack"
)

// ErrMissingType is returned by Decode for objects without a "type" field.
var ErrMissingType = errors.New("message has no type")

// Outgoing is a client->peer message.
type Outgoing interface {
	MessageType() Type
}

// Ping is the liveness probe.
type Ping struct{}

// Angles moves one or more joints. Keys are joint ids 1-6, values degrees.
type Angles struct {
	Joints map[int]int `json:"joints"`
}

// Gripper sets the gripper opening, 0 (closed) to 100 (open).
type Gripper struct {
	Value int `json:"value"`
}

// Reset returns all joints and the gripper to zero.
type Reset struct{}

// SyncRequest asks the peer for its authoritative state.
type SyncRequest struct{}

// Target asks the peer to move to a detected object.
type Target struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Center     [2]int  `json:"center"`
	ImageSize  [2]int  `json:"image_size"`
}

func (Ping) MessageType() Type        { return TypePing }
func (Angles) MessageType() Type      { return TypeAngles }
func (Gripper) MessageType() Type     { return TypeGripper }
func (Reset) MessageType() Type       { return TypeReset }
func (SyncRequest) MessageType() Type { return TypeSync }
func (Target) MessageType() Type      { return TypeTarget }

// Encode serializes msg as a tagged JSON object.
func Encode(msg Outgoing) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	tag, _ := json.Marshal(msg.MessageType())
	fields["type"] = tag
	return json.Marshal(fields)
}

// Incoming is a peer->client message. Which fields are set depends on Type:
// ack carries M, target_ack carries M and Status, sync carries A and/or G.
type Incoming struct {
	Type   Type      `json:"type"`
	M      string    `json:"m,omitempty"`
	Status string    `json:"status,omitempty"`
	A      []float64 `json:"a,omitempty"`
	G      *float64  `json:"g,omitempty"`
}

// Decode parses one incoming message.
func Decode(data []byte) (Incoming, error) {
	var msg Incoming
	if err := json.Unmarshal(data, &msg); err != nil {
		return Incoming{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return Incoming{}, ErrMissingType
	}
	return msg, nil
}

// StatusReply is the body returned by the HTTP fallback endpoints.
type StatusReply struct {
	M string `json:"m"`
}

// SyncReply is the body returned by GET /sync.
type SyncReply struct {
	A []float64 `json:"a,omitempty"`
	G *float64  `json:"g,omitempty"`
}
