// Package net implements the peer network of the state node.
//
// The Engine implements the PeerNetwork interface the rest of the node relies
// on: discovery of the peers closest to a key, provider records for content,
// direct requests (operation fetch and push, capacity and assignable content
// queries) and topic gossip. It runs on top of a Transport, which carries the
// typed RPCs between nodes. There are three Transport implementations:
//
// - Inmem: in-memory transport used only for testing
//
// - TCP: communicating over plain TCP
//
// - WebRTC: using WebRTC data channels
//
// # Engine
//
// A single goroutine owns the routing table, the provider records, the gossip
// seen-cache and the subscriptions. Lookups are iterative: the closest known
// peers are asked for peers closer to the key, Alpha at a time, until a round
// brings nothing closer. Peers are evicted after MaxFailures consecutive
// failed requests. Gossip is flooded to every known peer and relayed until
// its TTL runs out; there is no acknowledgement of delivery.
//
// # TCP
//
// The TCP transport is suitable when nodes are in the same local network, or
// when users are able to configure their connections appropriately to avoid NAT
// issues. BindAddr is the IP:PORT the node listens on; AdvertiseAddr, if set,
// is the address other nodes are told to use.
//
// # WebRTC
//
// The WebRTC transport addresses the NAT traversal issue, but it requires a
// signaling server for peers to exchange connection information, and STUN/TURN
// services. Nodes are dialed by node id through the signal; BindAddr and
// AdvertiseAddr are ignored. All application data remains p2p, the signaling
// server only relays SDP offers and answers within its realm.
package net
