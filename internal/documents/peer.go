package documents

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// PeerID is the numeric CRDT peer identity a live instance writes under.
type PeerID uint64

// DerivePeerID maps a stable string to a peer id. The mapping never changes between
// releases: a persisted document reloaded at startup must write under the same id
// every time it is rebuilt from the same seed.
func DerivePeerID(seed string) PeerID {
	return PeerID(xxhash.Sum64String(seed))
}

// ActorHex renders the peer id as the automerge actor id (8 bytes, big endian).
func (peer PeerID) ActorHex() string {
	var encoded [8]byte
	binary.BigEndian.PutUint64(encoded[:], uint64(peer))
	return hex.EncodeToString(encoded[:])
}

func (peer PeerID) String() string {
	return strconv.FormatUint(uint64(peer), 10)
}
