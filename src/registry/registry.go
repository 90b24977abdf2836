// Package registry is the capacity-backed node registry: a durable map from
// node id to the node's total and available storage capacity.
package registry

import (
	"errors"

	cm "github.com/monas/monas-state-node/src/common"
	"github.com/monas/monas-state-node/src/kv"
	"github.com/sirupsen/logrus"
)

// NodeSnapshot is the last known capacity of a node. It is always written
// whole; there are no partial updates.
type NodeSnapshot struct {
	NodeID            string `json:"node_id"`
	TotalCapacity     uint64 `json:"total_capacity"`
	AvailableCapacity uint64 `json:"available_capacity"`
}

// Registry stores NodeSnapshots under the node/ namespace.
type Registry struct {
	store  *kv.Store
	logger *logrus.Entry
}

// NewRegistry ...
func NewRegistry(store *kv.Store, logger *logrus.Entry) *Registry {
	return &Registry{
		store:  store,
		logger: logger.WithField("component", "registry"),
	}
}

// UpsertNode overwrites the snapshot of snap.NodeID.
func (r *Registry) UpsertNode(snap NodeSnapshot) error {
	if snap.NodeID == "" {
		return errors.New("empty node id")
	}
	if err := r.store.Put(kv.Key(kv.NodePrefix, snap.NodeID), snap); err != nil {
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"node_id":   snap.NodeID,
		"total":     snap.TotalCapacity,
		"available": snap.AvailableCapacity,
	}).Debug("UpsertNode")

	return nil
}

// GetNode returns the snapshot of nodeID. The boolean is false when the node
// is unknown.
func (r *Registry) GetNode(nodeID string) (NodeSnapshot, bool, error) {
	var snap NodeSnapshot
	err := r.store.Get("NodeSnapshot", kv.Key(kv.NodePrefix, nodeID), &snap)
	if cm.IsStore(err, cm.KeyNotFound) {
		return NodeSnapshot{}, false, nil
	}
	if err != nil {
		return NodeSnapshot{}, false, err
	}
	return snap, true, nil
}

// ListNodes returns every known snapshot ordered by node id.
func (r *Registry) ListNodes() ([]NodeSnapshot, error) {
	res := []NodeSnapshot{}
	err := r.store.Scan([]byte(kv.NodePrefix), func(key, value []byte) error {
		var snap NodeSnapshot
		if err := cm.Unmarshal(value, &snap); err != nil {
			return cm.NewStoreErr("NodeSnapshot", cm.Corrupted, string(key))
		}
		res = append(res, snap)
		return nil
	})
	return res, err
}

// DeleteNode removes a node.
func (r *Registry) DeleteNode(nodeID string) error {
	return r.store.Delete(kv.Key(kv.NodePrefix, nodeID))
}
