package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedFrame = errors.New("malformed frame")

// MessageType tags an envelope. Requests are plain commands, server replies
// and unsolicited server events carry a fixed prefix in front of the command.
type MessageType string

const (
	TypeConnect    MessageType = "connect"
	TypeRoomCreate MessageType = "room/create"
	TypeRoomJoin   MessageType = "room/join"

	TypeHolePunch MessageType = "connection/hole-punch"
	TypeKeepAlive MessageType = "connection/keep-alive"
)

const (
	ResponsePrefix     = "@response "
	NotificationPrefix = "@notification "
)

// ResponseType returns the reply tag paired with a request tag.
func ResponseType(req MessageType) MessageType {
	return MessageType(ResponsePrefix + string(req))
}

// NotificationType returns the tag of an unsolicited event about a command.
func NotificationType(cmd MessageType) MessageType {
	return MessageType(NotificationPrefix + string(cmd))
}

func (t MessageType) IsResponse() bool {
	return strings.HasPrefix(string(t), ResponsePrefix)
}

func (t MessageType) IsNotification() bool {
	return strings.HasPrefix(string(t), NotificationPrefix)
}

// Command strips a response or notification prefix.
func (t MessageType) Command() MessageType {
	s := strings.TrimPrefix(string(t), ResponsePrefix)
	s = strings.TrimPrefix(s, NotificationPrefix)
	return MessageType(s)
}

// Message is the envelope used on both the control channel and the data plane.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

var emptyData = json.RawMessage("{}")

// NewMessage serializes v as the payload. A nil v yields an empty object.
func NewMessage(t MessageType, v any) (Message, error) {
	if v == nil {
		return Message{Type: t, Data: emptyData}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Message{Type: t, Data: data}, nil
}

// Signal builds a payload-less message such as a hole punch.
func Signal(t MessageType) Message {
	return Message{Type: t, Data: emptyData}
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	data := m.Data
	if len(data) == 0 {
		data = emptyData
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, m.Type, err)
	}
	return nil
}

// Encode serializes a message into a single frame.
func Encode(m Message) ([]byte, error) {
	if m.Type == "" {
		return nil, fmt.Errorf("%w: empty type", ErrMalformedFrame)
	}
	if len(m.Data) == 0 {
		m.Data = emptyData
	}
	return json.Marshal(m)
}

// Decode parses one frame. Frames without a type tag are malformed.
func Decode(frame []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(bytes.TrimSpace(frame), &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return m, nil
}
