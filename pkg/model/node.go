package model

import (
	"fmt"
	"time"
)

// NodeStatus is the self-reported state of a worker node.
type NodeStatus string

const (
	NodeIdle       NodeStatus = "idle"
	NodeReceiving  NodeStatus = "receiving"
	NodeProcessing NodeStatus = "processing"
	NodeCompleted  NodeStatus = "completed"
	NodeError      NodeStatus = "error"
	NodeStopped    NodeStatus = "stopped"
	NodeUnknown    NodeStatus = "unknown" // transient, never authoritative
)

// ParseNodeStatus validates a status received from the network.
func ParseNodeStatus(s string) (NodeStatus, error) {
	switch st := NodeStatus(s); st {
	case NodeIdle, NodeReceiving, NodeProcessing, NodeCompleted, NodeError, NodeStopped, NodeUnknown:
		return st, nil
	default:
		return "", fmt.Errorf("unrecognized node status %q", s)
	}
}

// Terminal reports whether the worker finished its current task.
func (s NodeStatus) Terminal() bool {
	return s == NodeCompleted || s == NodeError
}

// Node is the coordinator's view of one worker machine.
type Node struct {
	Address      string       `json:"address"` // host:port of the worker HTTP plane, registry key
	Hostname     string       `json:"hostname"`
	Capabilities Capabilities `json:"capabilities"`

	Status      NodeStatus `json:"status"`
	Progress    int        `json:"progress"`
	CurrentTask string     `json:"current_task,omitempty"`

	// ObservedAt orders observations; it is the worker's own clock.
	// LastSeen is the coordinator's clock and drives liveness.
	ObservedAt int64     `json:"observed_at"`
	LastSeen   time.Time `json:"last_seen"`

	AssignedTask string `json:"assigned_task,omitempty"`
	Failures     int    `json:"failures"`
	Excluded     bool   `json:"excluded"`
	Stale        bool   `json:"stale"`
}

// Assignable reports whether the dispatcher may hand this node a task.
func (n *Node) Assignable() bool {
	return n.Status == NodeIdle && n.AssignedTask == "" && !n.Excluded && !n.Stale
}
