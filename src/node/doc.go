// Package node implements the state node: the component that owns the local
// registry, directory and CRDT store, and keeps them consistent with the rest
// of the network.
//
// Every state change originates in a domain event. Local operations
// (registering, creating or updating content, deciding an assignment, adding
// a manager) build an event, apply it locally through the same handler used
// for remote events, and hand it to the reliable publisher, which gossips it
// until every target was reached or the retry budget is spent. Received
// events go through the inbox first, so each is handled once however many
// times gossip delivers it.
//
// Content itself travels separately. A write pushes the new operations to the
// other members of the content network and broadcasts the new operation as a
// hint; a periodic pull from the providers of every member content repairs
// whatever was missed.
package node
