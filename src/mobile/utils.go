package mobile

import (
	"encoding/hex"
	"strings"

	"github.com/monas/monas-state-node/src/crypto/keys"
)

// GetPrivNodeID generates a new private key and returns it with the node id it
// yields, in the following formatted string <node id>=!@#@!=<private key hex>.
// It returns an empty string if no key could be generated.
func GetPrivNodeID() string {
	key, err := keys.GenerateKey()
	if err != nil {
		return ""
	}

	return keys.NodeID(key) + "=!@#@!=" + keys.PrivateKeyHex(key)
}

// GetNodeID returns the node id derived from the given private key.
func GetNodeID(privKey string) string {
	raw, err := hex.DecodeString(strings.TrimSpace(privKey))
	if err != nil {
		return ""
	}

	key, err := keys.ParsePrivateKey(raw)
	if err != nil {
		return ""
	}

	return keys.NodeID(key)
}
