// Package protocol defines the UDP discovery messages exchanged between the
// coordinator and worker nodes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tcluster/pkg/model"
)

// MessageType tags a discovery payload.
type MessageType string

const (
	TypeDiscovery         MessageType = "discovery"          // coordinator -> broadcast
	TypeDiscoveryResponse MessageType = "discovery_response" // node -> coordinator
	TypeHeartbeat         MessageType = "heartbeat"          // node -> broadcast
)

// MaxMessageSize bounds one datagram.
const MaxMessageSize = 4096

// LivenessFactor is how many heartbeat intervals may pass before a node is
// considered gone.
const LivenessFactor = 3

var ErrMalformed = errors.New("malformed discovery message")

// Message is the single wire shape; node-originated types carry the body.
type Message struct {
	Type        MessageType      `json:"type"`
	Hostname    string           `json:"hostname,omitempty"`
	Address     string           `json:"address,omitempty"`
	Port        int              `json:"port,omitempty"`
	Status      model.NodeStatus `json:"status,omitempty"`
	Progress    int              `json:"progress,omitempty"`
	CurrentTask string           `json:"current_task,omitempty"`
	Timestamp   int64            `json:"timestamp,omitempty"`
}

// Discovery builds the coordinator's probe.
func Discovery() Message {
	return Message{Type: TypeDiscovery}
}

// FromSnapshot builds a node-originated message from the worker's status.
func FromSnapshot(typ MessageType, hostname, address string, port int, snap model.WorkerStatusSnapshot) Message {
	return Message{
		Type:        typ,
		Hostname:    hostname,
		Address:     address,
		Port:        port,
		Status:      snap.Status,
		Progress:    snap.Progress,
		CurrentTask: snap.CurrentTask,
		Timestamp:   snap.Timestamp,
	}
}

// Encode serializes a message for the wire.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses and validates one datagram.
func Decode(data []byte) (Message, error) {
	if len(data) > MaxMessageSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Validate rejects unknown types and statuses instead of passing them on.
func (m Message) Validate() error {
	switch m.Type {
	case TypeDiscovery:
		return nil
	case TypeDiscoveryResponse, TypeHeartbeat:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	if m.Status == "" {
		return fmt.Errorf("%w: %s without status", ErrMalformed, m.Type)
	}
	if _, err := model.ParseNodeStatus(string(m.Status)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Port < 0 || m.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrMalformed, m.Port)
	}
	if m.Progress < 0 || m.Progress > 100 {
		return fmt.Errorf("%w: progress %d", ErrMalformed, m.Progress)
	}
	return nil
}

// LivenessTimeout derives the node expiry from the heartbeat interval.
func LivenessTimeout(heartbeat time.Duration) time.Duration {
	return LivenessFactor * heartbeat
}
