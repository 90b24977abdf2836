package net

import (
	"github.com/monas/monas-state-node/src/crdt"
	"github.com/monas/monas-state-node/src/peers"
)

// Every request carries the sender so that the receiver can add it to its
// routing table.

// HelloRequest introduces a node to a peer, typically a bootstrap node.
type HelloRequest struct {
	From peers.Peer `json:"from"`
}

// HelloResponse returns the peer's identity and the peers it knows.
type HelloResponse struct {
	From  peers.Peer   `json:"from"`
	Known []peers.Peer `json:"known"`
}

// FindNodeRequest asks for the peers closest to Key.
type FindNodeRequest struct {
	From  peers.Peer `json:"from"`
	Key   string     `json:"key"`
	Count int        `json:"count"`
}

// FindNodeResponse ...
type FindNodeResponse struct {
	Closest []peers.Peer `json:"closest"`
}

// AddProviderRequest announces that From holds ContentID.
type AddProviderRequest struct {
	From      peers.Peer `json:"from"`
	ContentID string     `json:"content_id"`
}

// AddProviderResponse ...
type AddProviderResponse struct {
	Accepted bool `json:"accepted"`
}

// FindProvidersRequest asks for the known providers of ContentID.
type FindProvidersRequest struct {
	From      peers.Peer `json:"from"`
	ContentID string     `json:"content_id"`
}

// FindProvidersResponse returns the providers known to the peer and the peers
// it knows closest to the content id.
type FindProvidersResponse struct {
	Providers []peers.Peer `json:"providers"`
	Closest   []peers.Peer `json:"closest"`
}

// FetchOperationsRequest asks for the operations of GenesisCID that are not
// SinceVersion or its ancestors. An empty SinceVersion asks for all of them.
type FetchOperationsRequest struct {
	From         peers.Peer `json:"from"`
	GenesisCID   string     `json:"genesis_cid"`
	SinceVersion string     `json:"since_version"`
}

// FetchOperationsResponse ...
type FetchOperationsResponse struct {
	Found      bool                       `json:"found"`
	Operations []crdt.SerializedOperation `json:"operations"`
}

// PushOperationsRequest delivers operations of GenesisCID.
type PushOperationsRequest struct {
	From       peers.Peer                 `json:"from"`
	GenesisCID string                     `json:"genesis_cid"`
	Operations []crdt.SerializedOperation `json:"operations"`
}

// PushOperationsResponse ...
type PushOperationsResponse struct {
	AcceptedCount int `json:"accepted_count"`
}

// CapacityRequest asks a peer for its storage capacity.
type CapacityRequest struct {
	From peers.Peer `json:"from"`
}

// CapacityResponse ...
type CapacityResponse struct {
	NodeID            string `json:"node_id"`
	TotalCapacity     uint64 `json:"total_capacity"`
	AvailableCapacity uint64 `json:"available_capacity"`
}

// AssignableRequest asks a peer for content that needs at most
// AvailableCapacity bytes and that Exclude does not already replicate.
type AssignableRequest struct {
	From              peers.Peer `json:"from"`
	AvailableCapacity uint64     `json:"available_capacity"`
	Exclude           string     `json:"exclude,omitempty"`
	Limit             int        `json:"limit"`
}

// AssignableResponse ...
type AssignableResponse struct {
	ContentIDs []string `json:"content_ids"`
}

// GossipRequest carries one gossip message. Origin is the node that
// published it; From is the hop that forwarded it.
type GossipRequest struct {
	From      peers.Peer `json:"from"`
	MessageID string     `json:"message_id"`
	Origin    string     `json:"origin"`
	Topic     string     `json:"topic"`
	Data      []byte     `json:"data"`
	TTL       int        `json:"ttl"`
}

// GossipResponse ...
type GossipResponse struct {
	Duplicate bool `json:"duplicate"`
}
