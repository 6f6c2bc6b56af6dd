package ids

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns a 32-character random hex identifier. Used for message IDs,
// lease owner tokens and trace IDs.
func New() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
