package stream

import (
	"time"

	"github.com/ionlab/pmtscan/internal/event"
	"github.com/ionlab/pmtscan/internal/scan"
)

// MsgSnapshot is the message type of a full session snapshot. Other messages
// carry the event type name (for example "scan.result") as their type.
const MsgSnapshot = "snapshot"

// Message is the envelope of everything sent to viewers.
type Message struct {
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

func snapshotMessage(s scan.Snapshot) Message {
	return Message{Type: MsgSnapshot, Time: time.Now(), Payload: s}
}

func eventMessage(e event.Event) Message {
	return Message{Type: e.EventType(), Time: e.Timestamp(), Payload: e}
}
