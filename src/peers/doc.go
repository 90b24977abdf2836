// Package peers defines the peers a state node knows about and the routing
// table the network engine keeps them in.
//
// A peer is identified by its node id, the hex form of its public key, and
// carries the network address where it can be reached. With the WebRTC
// transport the address is the node id itself, which the signalling server
// uses to route connection offers.
//
// Distances between peers and keys follow Kademlia: both are hashed with
// SHA-256 and compared by XOR. The closest peers to a content id are the
// natural candidates to hold its provider records and to replicate it.
//
// Upon starting up, a node reads an optional peers.json file in its data
// directory and uses the listed peers to bootstrap. The file is rewritten with
// the routing table on shutdown.
package peers
