package node

import (
	"github.com/monas/monas-state-node/src/directory"
	"github.com/monas/monas-state-node/src/registry"
)

// ListNodes returns every node snapshot known locally.
func (n *Node) ListNodes() ([]registry.NodeSnapshot, error) {
	return n.registry.ListNodes()
}

// ListNetworks returns every content network known locally.
func (n *Node) ListNetworks() ([]directory.ContentNetwork, error) {
	return n.directory.ListNetworks()
}

// GetContent returns the latest version of a content item.
func (n *Node) GetContent(contentID string) ([]byte, error) {
	data, ok, err := n.store.GetLatest(contentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownContent
	}
	return data, nil
}

// GetHistory returns the operation ids of a content item, oldest first.
func (n *Node) GetHistory(contentID string) ([]string, error) {
	history, err := n.store.GetHistory(contentID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, ErrUnknownContent
	}
	return history, nil
}

// GetVersion returns the value written by one version of a content item.
func (n *Node) GetVersion(contentID, versionID string) ([]byte, error) {
	data, ok, err := n.store.GetVersion(contentID, versionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownContent
	}
	return data, nil
}

// ListContents returns the ids of every content network known locally.
func (n *Node) ListContents() ([]string, error) {
	return n.directory.ListContentIDs()
}

// Info describes the local node. Capacities are zero until it registers.
type Info struct {
	NodeID            string `json:"node_id"`
	Registered        bool   `json:"registered"`
	TotalCapacity     uint64 `json:"total_capacity"`
	AvailableCapacity uint64 `json:"available_capacity"`
}

// GetInfo returns the local node's registration as recorded in its own
// registry.
func (n *Node) GetInfo() (Info, error) {
	snap, ok, err := n.registry.GetNode(n.self)
	if err != nil {
		return Info{}, err
	}
	if !ok {
		return Info{NodeID: n.self}, nil
	}
	return Info{
		NodeID:            n.self,
		Registered:        true,
		TotalCapacity:     snap.TotalCapacity,
		AvailableCapacity: snap.AvailableCapacity,
	}, nil
}
