package argmap

import (
	"time"
)

// ArgumentType classifies how one turn relates to the preceding discussion.
type ArgumentType string

const (
	TypeClaim    ArgumentType = "claim"
	TypeSupport  ArgumentType = "support"
	TypeCounter  ArgumentType = "counter"
	TypeResponse ArgumentType = "response"
)

// ParseArgumentType maps a raw classifier string onto a known ArgumentType.
func ParseArgumentType(s string) (ArgumentType, bool) {
	switch ArgumentType(s) {
	case TypeClaim, TypeSupport, TypeCounter, TypeResponse:
		return ArgumentType(s), true
	}
	return "", false
}

// ArgumentNode is the classified form of a single transcript turn. There is
// at most one node per turn id.
type ArgumentNode struct {
	TurnID    int          `json:"turn_id"`
	Type      ArgumentType `json:"type"`
	Summary   string       `json:"summary"`
	Speaker   string       `json:"speaker"`
	Topic     string       `json:"topic,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// ArgumentEdge points from a turn to an earlier turn it responds to. Edges
// carry the source node's type and are append-only.
type ArgumentEdge struct {
	SourceID  int          `json:"source_id"`
	TargetID  int          `json:"target_id"`
	Type      ArgumentType `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
}

// NodeView is the wire representation of a node inside a GraphSnapshot.
// Ids are rendered as strings for frontend consumption.
type NodeView struct {
	ID      string `json:"id"`
	TurnID  int    `json:"turn_id"`
	Type    string `json:"type"`
	Summary string `json:"summary"`
	Topic   string `json:"topic,omitempty"`
	Speaker string `json:"speaker"`
}

// EdgeView is the wire representation of an edge inside a GraphSnapshot.
type EdgeView struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// GraphSnapshot is the complete argument graph in its broadcast/persisted shape.
type GraphSnapshot struct {
	Nodes map[string]NodeView `json:"nodes"`
	Edges []EdgeView          `json:"edges"`
}
