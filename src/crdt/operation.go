package crdt

import (
	"fmt"

	cm "github.com/monas/monas-state-node/src/common"
	"github.com/monas/monas-state-node/src/crypto"
)

// OperationKind distinguishes the first operation of a content item from the
// edits that follow it.
type OperationKind string

const (
	// Create starts a new content item. Its id is the item's genesis id.
	Create OperationKind = "create"
	// Update replaces the payload of an existing item.
	Update OperationKind = "update"
)

// Operation is an immutable node of a content item's DAG. Its identity is the
// hash of its canonical encoding, so the same operation always has the same id
// on every node.
type Operation struct {
	Target    string        `json:"target"`
	Kind      OperationKind `json:"kind"`
	Payload   []byte        `json:"payload"`
	Author    string        `json:"author"`
	Timestamp uint64        `json:"timestamp"`
	Parents   []string      `json:"parents"`
}

// Marshal returns the canonical encoding of the operation.
func (op *Operation) Marshal() ([]byte, error) {
	return cm.Marshal(op)
}

// Unmarshal ...
func (op *Operation) Unmarshal(data []byte) error {
	return cm.Unmarshal(data, op)
}

// ID returns the content address of the operation.
func (op *Operation) ID() (string, error) {
	data, err := op.Marshal()
	if err != nil {
		return "", err
	}
	return crypto.HashString(data), nil
}

// Genesis returns the genesis id of the item the operation belongs to, given
// the operation's own id.
func (op *Operation) Genesis(id string) string {
	if op.Kind == Create {
		return id
	}
	return op.Target
}

func (op *Operation) validate() error {
	switch op.Kind {
	case Create:
		if op.Target != "" || len(op.Parents) != 0 {
			return fmt.Errorf("create operation must not have a target or parents")
		}
	case Update:
		if op.Target == "" {
			return fmt.Errorf("update operation without target")
		}
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	return nil
}

// SerializedOperation is the network form of an operation. Data is opaque to
// everything except this package.
type SerializedOperation struct {
	Data       []byte `json:"data"`
	GenesisCID string `json:"genesis_cid"`
	Author     string `json:"author"`
	Timestamp  uint64 `json:"timestamp"`
}

// decode parses and checks a SerializedOperation, returning the operation
// and its id.
func decode(sop SerializedOperation) (*Operation, string, error) {
	op := new(Operation)
	if err := op.Unmarshal(sop.Data); err != nil {
		return nil, "", fmt.Errorf("decoding operation: %w", err)
	}
	if err := op.validate(); err != nil {
		return nil, "", err
	}

	// The id is the hash of the bytes as received. They are stored and
	// forwarded verbatim, so every replica derives the same id.
	id := crypto.HashString(sop.Data)

	if g := op.Genesis(id); g != sop.GenesisCID {
		return nil, "", fmt.Errorf("operation %s belongs to %s, not %s", id, g, sop.GenesisCID)
	}

	return op, id, nil
}
