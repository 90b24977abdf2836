package node

import (
	"github.com/monas/monas-state-node/src/crdt"
)

// GetOperations implements net.RequestHandler.
func (n *Node) GetOperations(genesisCID, since string) ([]crdt.SerializedOperation, bool, error) {
	exists, err := n.store.Exists(genesisCID)
	if err != nil || !exists {
		return nil, false, err
	}

	ops, err := n.store.GetOperations(genesisCID, since)
	if err != nil {
		return nil, false, err
	}
	return ops, true, nil
}

// ApplyOperations implements net.RequestHandler. Operations of another content
// item than genesisCID are ignored.
func (n *Node) ApplyOperations(genesisCID string, ops []crdt.SerializedOperation) (int, error) {
	filtered := make([]crdt.SerializedOperation, 0, len(ops))
	for _, op := range ops {
		if op.GenesisCID == genesisCID {
			filtered = append(filtered, op)
		}
	}
	return n.store.ApplyOperations(filtered)
}

// LocalCapacity implements net.RequestHandler. An unregistered node reports no
// capacity.
func (n *Node) LocalCapacity() (uint64, uint64, error) {
	snap, ok, err := n.registry.GetNode(n.self)
	if err != nil || !ok {
		return 0, 0, err
	}
	return snap.TotalCapacity, snap.AvailableCapacity, nil
}

// FindAssignable implements net.RequestHandler.
func (n *Node) FindAssignable(availableCapacity uint64, exclude string, limit int) ([]string, error) {
	return n.directory.FindAssignable(availableCapacity, exclude, limit)
}
