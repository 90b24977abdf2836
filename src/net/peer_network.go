package net

import (
	"context"
	"errors"

	"github.com/monas/monas-state-node/src/crdt"
)

// OperationsTopic carries real-time operation broadcasts.
const OperationsTopic = "monas/ops"

var (
	// ErrUnknownPeer is returned when a request targets a node id that is not
	// in the routing table.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrInsufficientPeers is returned by Publish when there is nobody to
	// gossip to.
	ErrInsufficientPeers = errors.New("insufficient peers")

	errNoRequestHandler = errors.New("no request handler")
)

// GossipMessage is a message received on a subscribed topic. Source is the
// node that published it, not the hop that relayed it.
type GossipMessage struct {
	Topic  string
	Source string
	Data   []byte
}

// OperationBroadcast is the payload published on OperationsTopic.
type OperationBroadcast struct {
	GenesisCID string                   `json:"genesis_cid"`
	Operation  crdt.SerializedOperation `json:"operation"`
}

// PeerNetwork is everything the state node needs from the peer-to-peer
// network: discovery, direct requests and topic gossip. Gossip gives no
// ordering or delivery guarantee.
type PeerNetwork interface {
	LocalPeerID() string

	FindClosestPeers(ctx context.Context, key string, k int) ([]string, error)
	FindContentProviders(ctx context.Context, contentID string) ([]string, error)
	Provide(ctx context.Context, contentID string) error

	FetchOperations(ctx context.Context, peerID, genesisCID, since string) ([]crdt.SerializedOperation, error)
	PushOperations(ctx context.Context, peerID, genesisCID string, ops []crdt.SerializedOperation) (int, error)
	QueryCapacity(ctx context.Context, peerID string) (CapacityResponse, error)
	QueryAssignable(ctx context.Context, availableCapacity uint64, exclude string, limit int) ([]string, error)

	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string) (<-chan GossipMessage, error)
	BroadcastOperation(ctx context.Context, genesisCID string, op crdt.SerializedOperation) error
}

// RequestHandler answers the direct requests other nodes send us.
type RequestHandler interface {
	// GetOperations returns the operations of genesisCID not covered by since,
	// and whether the content is known at all.
	GetOperations(genesisCID, since string) ([]crdt.SerializedOperation, bool, error)

	// ApplyOperations stores pushed operations and returns how many were new.
	ApplyOperations(genesisCID string, ops []crdt.SerializedOperation) (int, error)

	LocalCapacity() (total, available uint64, err error)

	// FindAssignable returns content needing at most availableCapacity that
	// exclude does not replicate yet.
	FindAssignable(availableCapacity uint64, exclude string, limit int) ([]string, error)
}

var (
	errUnexpectedCommand = errors.New("unexpected command")
	errBusy              = errors.New("too many concurrent requests")
)
