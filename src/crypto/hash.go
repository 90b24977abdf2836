package crypto

import (
	"crypto/sha256"

	"github.com/monas/monas-state-node/src/common"
)

// SHA256 returns the SHA256 hash of the data.
func SHA256(data []byte) []byte {
	hasher := sha256.New()
	hasher.Write(data)
	hash := hasher.Sum(nil)
	return hash
}

// SHA256Parts hashes the concatenation of parts, each prefixed with its length
// so that ("ab","c") and ("a","bc") do not collide.
func SHA256Parts(parts ...[]byte) []byte {
	hasher := sha256.New()
	var l [4]byte
	for _, p := range parts {
		n := len(p)
		l[0], l[1], l[2], l[3] = byte(n>>24), byte(n>>16), byte(n>>8), byte(n)
		hasher.Write(l[:])
		hasher.Write(p)
	}
	return hasher.Sum(nil)
}

// HashString returns the 0X-prefixed hex form of SHA256(data).
func HashString(data []byte) string {
	return common.EncodeToString(SHA256(data))
}
