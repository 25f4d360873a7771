package workflow

import (
	"crypto/sha1"
	"encoding/hex"
)

// DocumentID derives the identity of a document from its target and creator.
// Registering the same target twice for one creator collides on this value.
func DocumentID(targetID, creatorID string) string {
	return digest(targetID + creatorID)
}

// TaskID derives the identity of a task assigned to a document. At most one
// task of a given key can exist per document.
func TaskID(documentID, key string) string {
	return digest(documentID + key)
}

func digest(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
