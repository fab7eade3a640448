// Package uid generates upload, temp file and version identifiers.
package uid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns 128 random bits as 32 lowercase hex characters. It names
// uploads and temporary files.
func New() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

var (
	versionMu      sync.Mutex
	versionEntropy = ulid.Monotonic(rand.Reader, 0)
	lastVersion    ulid.ULID
)

// NewVersionID returns a 26-character Crockford base32 version id. Ids
// sort in creation order within the process, even when the wall clock
// steps backwards.
func NewVersionID() string {
	versionMu.Lock()
	defer versionMu.Unlock()

	ms := ulid.Timestamp(time.Now())
	if last := lastVersion.Time(); ms < last {
		ms = last
	}
	id, err := ulid.New(ms, versionEntropy)
	if err != nil {
		// Entropy for this millisecond is exhausted; move to the next one.
		id = ulid.MustNew(ms+1, versionEntropy)
	}
	lastVersion = id
	return id.String()
}

// VersionTime returns the creation time encoded in a version id.
func VersionTime(id string) (time.Time, bool) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}
