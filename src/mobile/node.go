package mobile

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/monas/monas-state-node/src/crypto/keys"
	"github.com/monas/monas-state-node/src/statenode"
	"github.com/sirupsen/logrus"
)

// Node is a state node exposed with the types gomobile can bind.
type Node struct {
	engine           *statenode.StateNode
	exceptionHandler ExceptionHandler
	logger           *logrus.Entry
}

// New initializes a state node listening on nodeAddr. Errors are reported to
// exceptionHandler and yield a nil Node.
func New(privKey string,
	nodeAddr string,
	exceptionHandler ExceptionHandler,
	config *MobileConfig) *Node {

	conf := config.toConfig()
	conf.BindAddr = nodeAddr

	logger := conf.Logger()

	logger.WithFields(logrus.Fields{
		"nodeAddr": nodeAddr,
		"config":   fmt.Sprintf("%v", config),
	}).Debug("New Mobile Node")

	//Check private key
	raw, err := hex.DecodeString(strings.TrimSpace(privKey))
	if err != nil {
		exceptionHandler.OnException(fmt.Sprintf("Failed to read private key: %s", err))
		return nil
	}
	key, err := keys.ParsePrivateKey(raw)
	if err != nil {
		exceptionHandler.OnException(fmt.Sprintf("Failed to read private key: %s", err))
		return nil
	}
	conf.Key = key

	engine := statenode.NewStateNode(conf)

	if err := engine.Init(); err != nil {
		exceptionHandler.OnException(fmt.Sprintf("Cannot initialize engine: %s", err))
		return nil
	}

	return &Node{
		engine:           engine,
		exceptionHandler: exceptionHandler,
		logger:           logger,
	}
}

// Run starts the node. With async false it blocks until Shutdown.
func (n *Node) Run(async bool) {
	var err error
	if async {
		err = n.engine.RunAsync(context.Background())
	} else {
		err = n.engine.Run(context.Background())
	}
	if err != nil {
		n.exceptionHandler.OnException(fmt.Sprintf("Run: %s", err))
	}
}

// Shutdown ...
func (n *Node) Shutdown() {
	n.engine.Shutdown()
}

// ID returns the node id.
func (n *Node) ID() string {
	return n.engine.Node.ID()
}

// CreateContent stores data as a new content item and returns its id.
func (n *Node) CreateContent(data []byte) (string, error) {
	// copy, the caller's buffer may be reused once we return
	d := make([]byte, len(data))
	copy(d, data)

	ev, err := n.engine.Node.CreateContent(context.Background(), d)
	if err != nil {
		return "", err
	}
	return ev.ContentID, nil
}

// UpdateContent stores data as the new version of a content item.
func (n *Node) UpdateContent(contentID string, data []byte) error {
	d := make([]byte, len(data))
	copy(d, data)

	_, err := n.engine.Node.UpdateContent(context.Background(), contentID, d)
	return err
}

// GetContent returns the latest version of a content item.
func (n *Node) GetContent(contentID string) ([]byte, error) {
	return n.engine.Node.GetContent(contentID)
}

// RequestAssignment asks for a content item to replicate and returns its id,
// or an empty string when nothing was assigned.
func (n *Node) RequestAssignment() (string, error) {
	resp, err := n.engine.Node.RequestAssignment(context.Background())
	if err != nil {
		return "", err
	}
	return resp.AssignedContentID, nil
}

// GetStats returns the node's stats as a JSON object.
func (n *Node) GetStats() string {
	out, err := json.Marshal(n.engine.Node.GetStats())
	if err != nil {
		return ""
	}
	return string(out)
}
