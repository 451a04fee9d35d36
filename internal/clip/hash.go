package clip

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// contentDomainKey separates content fingerprints from any other BLAKE3
// keyed hash the system may compute. Changing it invalidates every stored hash.
var contentDomainKey = [32]byte{
	'c', 'l', 'i', 'p', 's', 'y', 'n', 'c', '.', 'c', 'o', 'n', 't', 'e', 'n', 't',
}

// Hash returns the hex-encoded BLAKE3 keyed fingerprint of content.
func Hash(content []byte) string {
	hasher, err := blake3.NewKeyed(contentDomainKey[:])
	if err != nil {
		panic("clip: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(content)
	return hex.EncodeToString(hasher.Sum(nil))
}

// HashString is Hash over the UTF-8 bytes of content.
func HashString(content string) string {
	return Hash([]byte(content))
}
