package documents

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/automerge/automerge-go"
)

var (
	chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

	errChunkMagic     = errors.New("chunk magic bytes missing")
	errChunkTruncated = errors.New("chunk truncated")
	errChunkType      = errors.New("unknown chunk type")
)

const (
	chunkChecksumLength = 4
	chunkTypeDocument   = 0x00
	chunkTypeChange     = 0x01
	chunkTypeCompressed = 0x02
)

// validateChunks checks the framing of a payload made of saved documents and changes.
// The engine tolerates undecodable trailing data when importing, so malformed payloads
// have to be rejected before they reach it.
func validateChunks(payload []byte) error {
	remaining := payload
	for len(remaining) > 0 {
		if !bytes.HasPrefix(remaining, chunkMagic) {
			return errChunkMagic
		}
		remaining = remaining[len(chunkMagic):]
		if len(remaining) < chunkChecksumLength+1 {
			return errChunkTruncated
		}
		chunkType := remaining[chunkChecksumLength]
		switch chunkType {
		case chunkTypeDocument, chunkTypeChange, chunkTypeCompressed:
		default:
			return fmt.Errorf("%w: %#x", errChunkType, chunkType)
		}
		remaining = remaining[chunkChecksumLength+1:]
		length, read := binary.Uvarint(remaining)
		if read <= 0 {
			return errChunkTruncated
		}
		remaining = remaining[read:]
		if length > uint64(len(remaining)) {
			return errChunkTruncated
		}
		remaining = remaining[length:]
	}
	return nil
}

// VersionVector records the heads of a document version and the highest sequence
// number seen per actor.
type VersionVector struct {
	Heads  []string          `json:"heads"`
	Actors map[string]uint64 `json:"actors"`
}

// MarshalVersionVector serializes a version vector as stored in history rows.
func MarshalVersionVector(vector VersionVector) ([]byte, error) {
	if vector.Heads == nil {
		vector.Heads = []string{}
	}
	if vector.Actors == nil {
		vector.Actors = map[string]uint64{}
	}
	return json.Marshal(vector)
}

// UnmarshalVersionVector parses a stored version vector.
func UnmarshalVersionVector(raw []byte) (VersionVector, error) {
	var vector VersionVector
	if err := json.Unmarshal(raw, &vector); err != nil {
		return VersionVector{}, err
	}
	if vector.Actors == nil {
		vector.Actors = map[string]uint64{}
	}
	return vector, nil
}

func versionVectorOf(doc *automerge.Doc) (VersionVector, error) {
	changes, err := doc.Changes()
	if err != nil {
		return VersionVector{}, err
	}
	actors := make(map[string]uint64)
	for _, change := range changes {
		actor := change.ActorID()
		if seq := change.ActorSeq(); seq > actors[actor] {
			actors[actor] = seq
		}
	}
	return VersionVector{Heads: headStrings(doc.Heads()), Actors: actors}, nil
}

func headStrings(heads []automerge.ChangeHash) []string {
	encoded := make([]string, 0, len(heads))
	for _, head := range heads {
		encoded = append(encoded, head.String())
	}
	slices.Sort(encoded)
	return encoded
}

func parseHeads(encoded []string) ([]automerge.ChangeHash, error) {
	heads := make([]automerge.ChangeHash, 0, len(encoded))
	for _, raw := range encoded {
		head, err := automerge.NewChangeHash(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: head %q: %v", ErrInvalidOperation, raw, err)
		}
		heads = append(heads, head)
	}
	return heads, nil
}

func sameHeads(left, right []automerge.ChangeHash) bool {
	if len(left) != len(right) {
		return false
	}
	seen := make(map[automerge.ChangeHash]struct{}, len(left))
	for _, head := range left {
		seen[head] = struct{}{}
	}
	for _, head := range right {
		if _, ok := seen[head]; !ok {
			return false
		}
	}
	return true
}

// encodeChanges concatenates changes in canonical order: dependencies first, ties
// broken by change hash. The same change set therefore always encodes to the same bytes
// regardless of the order in which a document received it.
func encodeChanges(changes []*automerge.Change) []byte {
	var buffer bytes.Buffer
	for _, change := range canonicalOrder(changes) {
		buffer.Write(change.Save())
	}
	return buffer.Bytes()
}

func canonicalOrder(changes []*automerge.Change) []*automerge.Change {
	byHash := make(map[automerge.ChangeHash]*automerge.Change, len(changes))
	for _, change := range changes {
		byHash[change.Hash()] = change
	}
	pending := make(map[automerge.ChangeHash]int, len(changes))
	dependents := make(map[automerge.ChangeHash][]automerge.ChangeHash, len(changes))
	for hash, change := range byHash {
		for _, dependency := range change.Dependencies() {
			if _, inSet := byHash[dependency]; !inSet {
				continue
			}
			pending[hash]++
			dependents[dependency] = append(dependents[dependency], hash)
		}
	}

	ready := make([]automerge.ChangeHash, 0, len(byHash))
	for hash := range byHash {
		if pending[hash] == 0 {
			ready = insertSorted(ready, hash)
		}
	}
	ordered := make([]*automerge.Change, 0, len(byHash))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byHash[next])
		for _, dependent := range dependents[next] {
			pending[dependent]--
			if pending[dependent] == 0 {
				ready = insertSorted(ready, dependent)
			}
		}
	}
	return ordered
}

func insertSorted(hashes []automerge.ChangeHash, hash automerge.ChangeHash) []automerge.ChangeHash {
	index, _ := slices.BinarySearchFunc(hashes, hash, compareHashes)
	return slices.Insert(hashes, index, hash)
}

func compareHashes(left, right automerge.ChangeHash) int {
	return bytes.Compare(left[:], right[:])
}
