package kv

import "fmt"

// Key namespaces. Every durable store of a node owns one region of the shared
// database.
const (
	NodePrefix            = "node/"
	NetworkPrefix         = "network/"
	CapacityPrefix        = "capidx/"
	CapacityReversePrefix = "capfor/"
	OperationPrefix       = "op/"
	GenesisOpsPrefix      = "gen/"
	GenesisPrefix         = "genesis/"
	OutboxPendingPrefix   = "outbox/pending/"
	OutboxDeliveredPrefix = "outbox/delivered/"
	InboxPrefix           = "inbox/processed/"
)

// Key joins a namespace prefix and the given parts with '/'.
func Key(prefix string, parts ...string) []byte {
	k := prefix
	for i, p := range parts {
		if i > 0 {
			k += "/"
		}
		k += p
	}
	return []byte(k)
}

// CapacityKey is the secondary index key for content with the given required
// capacity. Zero-padded hex keeps lexicographic and numeric order aligned.
func CapacityKey(required uint64, contentID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", CapacityPrefix, CapacityBound(required), contentID))
}

// CapacityBound is the index key fragment that sorts before every entry whose
// required capacity is >= capacity.
func CapacityBound(capacity uint64) string {
	return fmt.Sprintf("%016x", capacity)
}
