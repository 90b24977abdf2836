// Package events defines the domain events exchanged between state nodes and
// their wire envelope.
package events

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	cm "github.com/monas/monas-state-node/src/common"
	"github.com/monas/monas-state-node/src/crypto"
)

// Type is the discriminant of the event sum type.
type Type string

// Event types. The set is closed.
const (
	NodeCreatedType                Type = "NodeCreated"
	ContentCreatedType             Type = "ContentCreated"
	ContentUpdatedType             Type = "ContentUpdated"
	AssignmentDecidedType          Type = "AssignmentDecided"
	ContentNetworkManagerAddedType Type = "ContentNetworkManagerAdded"
	ContentSyncRequestedType       Type = "ContentSyncRequested"
)

// Types lists every event type.
var Types = []Type{
	NodeCreatedType,
	ContentCreatedType,
	ContentUpdatedType,
	AssignmentDecidedType,
	ContentNetworkManagerAddedType,
	ContentSyncRequestedType,
}

// Event is implemented by the six domain event structs of this package.
type Event interface {
	Type() Type
	// Time is the creation time in milliseconds since the epoch.
	Time() uint64
	// identity returns the fields that, with type and time, identify the
	// event.
	identity() []string
}

// NodeCreated announces a node and its capacity.
type NodeCreated struct {
	NodeID            string `json:"node_id"`
	TotalCapacity     uint64 `json:"total_capacity"`
	AvailableCapacity uint64 `json:"available_capacity"`
	Timestamp         uint64 `json:"timestamp"`
}

// ContentCreated announces a new content item and its initial network.
type ContentCreated struct {
	ContentID     string   `json:"content_id"`
	CreatorNodeID string   `json:"creator_node_id"`
	ContentSize   uint64   `json:"content_size"`
	MemberNodes   []string `json:"member_nodes"`
	Timestamp     uint64   `json:"timestamp"`
}

// ContentUpdated announces a new version of a content item.
type ContentUpdated struct {
	ContentID     string `json:"content_id"`
	UpdatedNodeID string `json:"updated_node_id"`
	Timestamp     uint64 `json:"timestamp"`
}

// AssignmentDecided records that a node was assigned to replicate content.
type AssignmentDecided struct {
	AssigningNodeID string `json:"assigning_node_id"`
	AssignedNodeID  string `json:"assigned_node_id"`
	ContentID       string `json:"content_id"`
	Timestamp       uint64 `json:"timestamp"`
}

// ContentNetworkManagerAdded records a node joining a content network.
type ContentNetworkManagerAdded struct {
	ContentID   string   `json:"content_id"`
	AddedNodeID string   `json:"added_node_id"`
	MemberNodes []string `json:"member_nodes"`
	Timestamp   uint64   `json:"timestamp"`
}

// ContentSyncRequested asks SourceNodeID to push a content item to
// RequestingNodeID.
type ContentSyncRequested struct {
	ContentID        string `json:"content_id"`
	RequestingNodeID string `json:"requesting_node_id"`
	SourceNodeID     string `json:"source_node_id"`
	Timestamp        uint64 `json:"timestamp"`
}

func (e *NodeCreated) Type() Type                { return NodeCreatedType }
func (e *ContentCreated) Type() Type             { return ContentCreatedType }
func (e *ContentUpdated) Type() Type             { return ContentUpdatedType }
func (e *AssignmentDecided) Type() Type          { return AssignmentDecidedType }
func (e *ContentNetworkManagerAdded) Type() Type { return ContentNetworkManagerAddedType }
func (e *ContentSyncRequested) Type() Type       { return ContentSyncRequestedType }

func (e *NodeCreated) Time() uint64                { return e.Timestamp }
func (e *ContentCreated) Time() uint64             { return e.Timestamp }
func (e *ContentUpdated) Time() uint64             { return e.Timestamp }
func (e *AssignmentDecided) Time() uint64          { return e.Timestamp }
func (e *ContentNetworkManagerAdded) Time() uint64 { return e.Timestamp }
func (e *ContentSyncRequested) Time() uint64       { return e.Timestamp }

func (e *NodeCreated) identity() []string { return []string{e.NodeID} }
func (e *ContentCreated) identity() []string {
	return []string{e.ContentID, e.CreatorNodeID}
}
func (e *ContentUpdated) identity() []string {
	return []string{e.ContentID, e.UpdatedNodeID}
}
func (e *AssignmentDecided) identity() []string {
	return []string{e.ContentID, e.AssignedNodeID}
}
func (e *ContentNetworkManagerAdded) identity() []string {
	return []string{e.ContentID, e.AddedNodeID}
}
func (e *ContentSyncRequested) identity() []string {
	return []string{e.ContentID, e.RequestingNodeID, e.SourceNodeID}
}

// ID derives the event id from its type, identifying fields and timestamp.
// Redelivery of the same logical event yields the same id.
func ID(ev Event) string {
	parts := [][]byte{[]byte(ev.Type())}
	for _, f := range ev.identity() {
		parts = append(parts, []byte(f))
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], ev.Time())
	parts = append(parts, ts[:])

	return hex.EncodeToString(crypto.SHA256Parts(parts...)[:8])
}

// ContentID returns the content an event is about, or "" for NodeCreated.
func ContentID(ev Event) string {
	switch e := ev.(type) {
	case *ContentCreated:
		return e.ContentID
	case *ContentUpdated:
		return e.ContentID
	case *AssignmentDecided:
		return e.ContentID
	case *ContentNetworkManagerAdded:
		return e.ContentID
	case *ContentSyncRequested:
		return e.ContentID
	}
	return ""
}

// TopicPrefix is the common prefix of per-type gossip topics.
const TopicPrefix = "monas/events/"

// SharedTopic carries every event type on the local event bus variant.
const SharedTopic = "monas-events"

// Topic returns the gossip topic of an event type.
func Topic(t Type) string {
	return TopicPrefix + string(t)
}

// Envelope is the wire form of an Event: an explicit discriminant and exactly
// one populated variant.
type Envelope struct {
	Type                       Type                        `json:"type"`
	NodeCreated                *NodeCreated                `json:"node_created,omitempty"`
	ContentCreated             *ContentCreated             `json:"content_created,omitempty"`
	ContentUpdated             *ContentUpdated             `json:"content_updated,omitempty"`
	AssignmentDecided          *AssignmentDecided          `json:"assignment_decided,omitempty"`
	ContentNetworkManagerAdded *ContentNetworkManagerAdded `json:"content_network_manager_added,omitempty"`
	ContentSyncRequested       *ContentSyncRequested       `json:"content_sync_requested,omitempty"`
}

// Wrap puts an event in an Envelope.
func Wrap(ev Event) Envelope {
	env := Envelope{Type: ev.Type()}
	switch e := ev.(type) {
	case *NodeCreated:
		env.NodeCreated = e
	case *ContentCreated:
		env.ContentCreated = e
	case *ContentUpdated:
		env.ContentUpdated = e
	case *AssignmentDecided:
		env.AssignmentDecided = e
	case *ContentNetworkManagerAdded:
		env.ContentNetworkManagerAdded = e
	case *ContentSyncRequested:
		env.ContentSyncRequested = e
	}
	return env
}

// Event returns the variant selected by the discriminant. It fails when the
// discriminant is unknown or its variant is missing.
func (env Envelope) Event() (Event, error) {
	var ev Event
	switch env.Type {
	case NodeCreatedType:
		if env.NodeCreated != nil {
			ev = env.NodeCreated
		}
	case ContentCreatedType:
		if env.ContentCreated != nil {
			ev = env.ContentCreated
		}
	case ContentUpdatedType:
		if env.ContentUpdated != nil {
			ev = env.ContentUpdated
		}
	case AssignmentDecidedType:
		if env.AssignmentDecided != nil {
			ev = env.AssignmentDecided
		}
	case ContentNetworkManagerAddedType:
		if env.ContentNetworkManagerAdded != nil {
			ev = env.ContentNetworkManagerAdded
		}
	case ContentSyncRequestedType:
		if env.ContentSyncRequested != nil {
			ev = env.ContentSyncRequested
		}
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}

	if ev == nil {
		return nil, fmt.Errorf("event type %s without payload", env.Type)
	}
	return ev, nil
}

// Marshal encodes an event for gossip.
func Marshal(ev Event) ([]byte, error) {
	return cm.Marshal(Wrap(ev))
}

// Unmarshal decodes a gossip payload into an event.
func Unmarshal(data []byte) (Event, error) {
	var env Envelope
	if err := cm.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return env.Event()
}
