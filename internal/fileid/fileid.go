// Package fileid derives stable identifiers for imported archive files and for the messages
// in them that carry no ID of their own.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
)

const prefix = "file:"

// namespace scopes generated message IDs.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("chatsearch:import"))

// FileID returns a stable ID for the given absolute path. Same path always yields the same ID.
func FileID(absolutePath string) string {
	normalized := filepath.Clean(absolutePath)
	hash := sha256.Sum256([]byte(normalized))
	return prefix + hex.EncodeToString(hash[:])
}

// MessageID returns a stable UUID for line (1-based) of the file at absolutePath, so
// re-importing a file updates its messages instead of duplicating them.
func MessageID(absolutePath string, line int) string {
	name := filepath.Clean(absolutePath) + "#" + strconv.Itoa(line)
	return uuid.NewSHA1(namespace, []byte(name)).String()
}
