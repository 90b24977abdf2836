package peers

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	cm "github.com/monas/monas-state-node/src/common"
)

const jsonPeersPath = "peers.json"

// JSONPeers persists a list of peers in a JSON file in the data directory.
type JSONPeers struct {
	l    sync.Mutex
	path string
}

// NewJSONPeers creates a JSONPeers with reference to a base directory where
// the JSON file resides.
func NewJSONPeers(base string) *JSONPeers {
	return &JSONPeers{
		path: filepath.Join(base, jsonPeersPath),
	}
}

// Peers parses the underlying file. A missing or empty file yields no peers.
func (j *JSONPeers) Peers() ([]Peer, error) {
	j.l.Lock()
	defer j.l.Unlock()

	buf, err := ioutil.ReadFile(j.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if len(buf) == 0 {
		return nil, nil
	}

	var list []Peer
	if err := cm.Unmarshal(buf, &list); err != nil {
		return nil, err
	}

	for i := range list {
		list[i].ID = NormalizeID(list[i].ID)
	}
	return list, nil
}

// Write replaces the file content with peers.
func (j *JSONPeers) Write(peers []Peer) error {
	j.l.Lock()
	defer j.l.Unlock()

	buf, err := cm.Marshal(peers)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(j.path), 0700); err != nil {
		return err
	}
	return ioutil.WriteFile(j.path, buf, 0644)
}
