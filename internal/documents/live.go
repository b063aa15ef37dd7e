package documents

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/automerge/automerge-go"
)

// liveDocument owns one CRDT instance. Every field is guarded by mu except the hub,
// which has its own lock so subscribers can leave without waiting for an import.
type liveDocument struct {
	mu      sync.Mutex
	id      DocumentID
	kind    Kind
	peer    PeerID
	doc     *automerge.Doc
	view    *automerge.Doc
	removed bool
	hub     *subscriberHub
}

func newLiveDocument(id DocumentID, kind Kind, peer PeerID, sequence *atomic.Int64, onEvict func(*Subscription)) (*liveDocument, error) {
	doc := automerge.New()
	if err := doc.SetActorID(peer.ActorHex()); err != nil {
		return nil, fmt.Errorf("bind peer id: %w", err)
	}
	return &liveDocument{
		id:   id,
		kind: kind,
		peer: peer,
		doc:  doc,
		hub:  newSubscriberHub(sequence, onEvict),
	}, nil
}

func (live *liveDocument) handle() Document {
	return Document{id: live.id, kind: live.kind, peer: live.peer}
}

// materialized is the state reads observe: the checked-out view while detached.
func (live *liveDocument) materialized() *automerge.Doc {
	if live.view != nil {
		return live.view
	}
	return live.doc
}

func (live *liveDocument) detached() bool {
	return live.view != nil
}

// seed loads saved or update bytes into a fresh instance and rebinds the peer id, which
// loading a full document would otherwise replace.
func (live *liveDocument) seed(payload []byte) error {
	if err := validateChunks(payload); err != nil {
		return err
	}
	if err := live.doc.LoadIncremental(payload); err != nil {
		return err
	}
	return live.doc.SetActorID(live.peer.ActorHex())
}

// knows reports whether every hash is part of the document's history.
func (live *liveDocument) knows(hashes []automerge.ChangeHash) bool {
	if len(hashes) == 0 {
		return true
	}
	changes, err := live.doc.Changes()
	if err != nil {
		return false
	}
	present := make(map[automerge.ChangeHash]struct{}, len(changes))
	for _, change := range changes {
		present[change.Hash()] = struct{}{}
	}
	for _, hash := range hashes {
		if _, ok := present[hash]; !ok {
			return false
		}
	}
	return true
}

// importPayload merges update or snapshot bytes and returns the changes that were new.
func (live *liveDocument) importPayload(payload []byte) ([]byte, bool, error) {
	if len(payload) == 0 {
		return nil, false, nil
	}
	if err := validateChunks(payload); err != nil {
		return nil, false, err
	}
	before := live.doc.Heads()
	if err := live.doc.LoadIncremental(payload); err != nil {
		return nil, false, err
	}
	return live.deltaSince(before)
}

// commitLocal commits pending local writes and returns the resulting delta.
func (live *liveDocument) commitLocal(before []automerge.ChangeHash, message string) ([]byte, bool, error) {
	if _, err := live.doc.Commit(message); err != nil {
		return nil, false, err
	}
	return live.deltaSince(before)
}

func (live *liveDocument) deltaSince(before []automerge.ChangeHash) ([]byte, bool, error) {
	if sameHeads(before, live.doc.Heads()) {
		return nil, false, nil
	}
	changes, err := live.doc.Changes(before...)
	if err != nil {
		return nil, false, err
	}
	return encodeChanges(changes), true, nil
}

func (live *liveDocument) exportUpdate(since []automerge.ChangeHash) ([]byte, error) {
	changes, err := live.doc.Changes(since...)
	if err != nil {
		return nil, err
	}
	return encodeChanges(changes), nil
}

func (live *liveDocument) checkout(heads []automerge.ChangeHash) error {
	if !live.knows(heads) {
		return errUnknownHeads
	}
	if len(heads) == 0 {
		live.view = automerge.New()
		return nil
	}
	view, err := live.doc.Fork(heads...)
	if err != nil {
		return err
	}
	live.view = view
	return nil
}

func (live *liveDocument) attach() {
	live.view = nil
}
