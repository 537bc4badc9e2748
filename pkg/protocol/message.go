// Package protocol defines the application-level message shapes carried
// inside Unison packets: requests, responses, events, errors, and the
// server identity announcement. The core treats payloads as opaque JSON;
// projecting them to typed Go values is left to generated client/server
// bindings built on top of this package.
package protocol

import "encoding/json"

// MessageType selects how a ProtocolMessage's id/response_to pair must
// be interpreted.
type MessageType string

const (
	Request  MessageType = "Request"
	Response MessageType = "Response"
	Event    MessageType = "Event"
	Error    MessageType = "Error"
)

// ReservedIdentityMethod is the method name carried by the server's
// identity announcement and any follow-up identity update events.
const ReservedIdentityMethod = "__identity"

// ReservedChannelPrefix prefixes a channel-open Request's method; the
// channel name follows the colon.
const ReservedChannelPrefix = "__channel:"

// ChannelOpenMethod formats the reserved method name used to open or
// address the named channel.
func ChannelOpenMethod(channel string) string {
	return ReservedChannelPrefix + channel
}

// MaxMethodLength is the maximum UTF-8 byte length of a Method string.
const MaxMethodLength = 256

// Message is the application-level envelope carried as a Protocol
// frame's payload, once decoded from its wire bytes by the packet codec.
type Message struct {
	ID        uint64      `json:"id"`
	Method    string      `json:"method"`
	MsgType   MessageType `json:"msg_type"`
	Payload   json.RawMessage `json:"payload"`
	ResponseTo uint64     `json:"response_to,omitempty"`
}

// NewRequest builds a Request message with the given id, method and
// JSON-marshalable payload.
func NewRequest(id uint64, method string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{ID: id, Method: method, MsgType: Request, Payload: raw}, nil
}

// NewResponse builds a Response message answering requestID.
func NewResponse(id uint64, requestID uint64, method string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{ID: id, Method: method, MsgType: Response, Payload: raw, ResponseTo: requestID}, nil
}

// NewEvent builds an unsolicited Event message. id may be 0.
func NewEvent(id uint64, method string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{ID: id, Method: method, MsgType: Event, Payload: raw}, nil
}

// NewErrorResponse builds an Error message answering requestID (or, if
// requestID is 0, an unsolicited error event).
func NewErrorResponse(id uint64, requestID uint64, method string, perr ProtocolError) (Message, error) {
	raw, err := json.Marshal(perr)
	if err != nil {
		return Message{}, err
	}
	return Message{ID: id, Method: method, MsgType: Error, Payload: raw, ResponseTo: requestID}, nil
}

// ProtocolError is the canonical shape of an Error message's payload.
// Supplemented from original_source's network/mod.rs ProtocolError.
type ProtocolError struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e ProtocolError) Error() string {
	return e.Code + ": " + e.Message
}

// Direction describes which side of a connection may initiate traffic
// on a channel, carried descriptively in ServerIdentity.
type Direction string

const (
	ClientToServer Direction = "ClientToServer"
	ServerToClient Direction = "ServerToClient"
	Bidirectional  Direction = "Bidirectional"
)

// Lifetime describes whether a channel is expected to outlive a single
// logical exchange. Advisory only; nothing in package channel enforces
// it.
type Lifetime string

const (
	Persistent Lifetime = "Persistent"
	Transient  Lifetime = "Transient"
)

// Status is a channel handler's current availability, as advertised in
// ServerIdentity and mutated via ChannelUpdate events.
type Status string

const (
	Available   Status = "Available"
	Busy        Status = "Busy"
	Unavailable Status = "Unavailable"
)

// ChannelInfo describes one channel a server advertises.
type ChannelInfo struct {
	Name      string    `json:"name"`
	Direction Direction `json:"direction"`
	Lifetime  Lifetime  `json:"lifetime"`
	Status    Status    `json:"status"`
}

// ServerIdentity is the server's self-description, sent once at
// connection setup on a dedicated stream (see package server).
type ServerIdentity struct {
	Name      string          `json:"name"`
	Version   string          `json:"version"`
	Namespace string          `json:"namespace"`
	Channels  []ChannelInfo   `json:"channels"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// ChannelUpdate is a follow-up identity event payload describing a
// mutation to the server's channel directory. Exactly one of the three
// fields is set depending on Kind.
type ChannelUpdateKind string

const (
	ChannelAdded         ChannelUpdateKind = "Added"
	ChannelRemoved       ChannelUpdateKind = "Removed"
	ChannelStatusChanged ChannelUpdateKind = "StatusChanged"
)

type ChannelUpdate struct {
	Kind   ChannelUpdateKind `json:"kind"`
	Added  *ChannelInfo      `json:"added,omitempty"`
	Removed string           `json:"removed,omitempty"`
	StatusChanged *struct {
		Name   string `json:"name"`
		Status Status `json:"status"`
	} `json:"status_changed,omitempty"`
}
