// Package id mints the session identifiers the websocket transport
// stamps on its log records.
package id

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SessionID tags one websocket command stream. The ULID body makes a
// stream's records sort by open time in aggregated logs.
type SessionID string

const sessionPrefix = "ws_"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewSessionID mints an id for a freshly upgraded socket. Ids minted
// within the same millisecond stay strictly increasing.
func NewSessionID() SessionID {
	entropyMu.Lock()
	u := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	entropyMu.Unlock()
	return SessionID(sessionPrefix + u.String())
}

func (id SessionID) String() string { return string(id) }
