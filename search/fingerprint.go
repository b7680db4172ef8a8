package search

import (
	"crypto/sha256"
	"encoding/hex"
)

// computeFingerprint generates a stable hash of the document slice.
// The fingerprint changes when document content changes, enabling
// efficient cache invalidation for the index: an Update carrying the
// same fingerprint skips the rebuild entirely.
func computeFingerprint(docs []Doc) string {
	h := sha256.New()

	for _, doc := range docs {
		h.Write([]byte(doc.Server))
		h.Write([]byte{0}) // separator

		h.Write([]byte(doc.Action))
		h.Write([]byte{0})

		h.Write([]byte(doc.Description))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}
