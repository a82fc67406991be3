package websocket

import (
	"time"

	"github.com/KevinKickass/OpenWCS/internal/equipment"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	MessageTypeEquipmentStatus MessageType = "equipment_status"
	MessageTypeSystemStatus    MessageType = "system_status"

	// Replies to client requests
	MessageTypeSubscribed MessageType = "subscribed"
	MessageTypeError      MessageType = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`

	// equipmentID routes the message to subscribers of one unit. Empty
	// means every client receives it.
	equipmentID string
}

// ClientRequest is what a client may send after connecting.
type ClientRequest struct {
	Type         string   `json:"type"`
	EquipmentIDs []string `json:"equipment_ids,omitempty"`
}

type SubscribedData struct {
	EquipmentIDs []string `json:"equipment_ids"`
}

type ErrorData struct {
	Reason string `json:"reason"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewEquipmentStatusMessage(e equipment.Equipment) Message {
	msg := NewMessage(MessageTypeEquipmentStatus, e)
	msg.equipmentID = e.ID
	return msg
}

func NewSystemStatusMessage(status any) Message {
	return NewMessage(MessageTypeSystemStatus, status)
}
