package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
)

// DomainSnapshot prefixes snapshot content hashes. The version suffix leaves
// room for a future change of canonical form.
const DomainSnapshot = "midst/snapshot/v1"

// Hash returns the content-addressed identity of s:
// hex(SHA256(domain + 0x00 + canonical)).
// Equal snapshots always hash equal. The zero Snapshot hashes the empty text.
func (s Snapshot) Hash() string {
	h := sha256.New()
	h.Write([]byte(DomainSnapshot))
	h.Write([]byte{0x00})
	h.Write([]byte(s.canonical))
	return hex.EncodeToString(h.Sum(nil))
}
