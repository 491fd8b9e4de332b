package executor

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash returns the content hash used for node_state input_hash/output_hash
// and artifact content_hash fields (spec §3, §4.1). No third-party hashing
// library appears anywhere in the retrieved pack; content hashing is a
// one-line stdlib crypto operation with no ecosystem surface to wire.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
