package peers

import (
	"strings"
)

// Peer is a node reachable on the network.
type Peer struct {
	ID      string `json:"id"`
	NetAddr string `json:"net_addr"`
}

// NewPeer ...
func NewPeer(id, netAddr string) Peer {
	return Peer{
		ID:      NormalizeID(id),
		NetAddr: netAddr,
	}
}

// NormalizeID standardises hex node ids to the 0X-prefixed upper-case form
// nodes derive from their keys. Other ids are returned unchanged.
func NormalizeID(id string) string {
	if strings.HasPrefix(id, "0x") || strings.HasPrefix(id, "0X") {
		return "0X" + strings.ToUpper(id[2:])
	}
	return id
}

// ExcludePeer is used to exclude a single peer from a list of peers.
func ExcludePeer(peers []Peer, id string) []Peer {
	others := make([]Peer, 0, len(peers))
	for _, p := range peers {
		if p.ID != id {
			others = append(others, p)
		}
	}
	return others
}

// IDs returns the ids of peers, in order.
func IDs(peers []Peer) []string {
	res := make([]string, len(peers))
	for i, p := range peers {
		res[i] = p.ID
	}
	return res
}
