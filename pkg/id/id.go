// Package id issues the identifiers stamped on trades and orders.
package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy io.Reader
)

func init() {
	// PRNG seeded once from crypto/rand; ulid.Monotonic keeps IDs issued
	// within the same millisecond strictly increasing, which matters when
	// several fills book in one burst.
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	entropy = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New returns a fresh ULID string. Trade log entries and simulated order
// IDs use ULIDs because they sort lexicographically by creation time, so
// a log ordered by ID is ordered by when each trade was booked.
func New() string {
	mu.Lock()
	defer mu.Unlock()

	u, err := ulid.New(ulid.Timestamp(time.Now().UTC()), entropy)
	if err != nil {
		// only possible if the entropy reader fails or time runs backwards
		panic(err)
	}
	return u.String()
}
