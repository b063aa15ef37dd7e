package documents

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrInvalidActorID indicates that an actor identifier is empty or exceeds storage bounds.
	ErrInvalidActorID = errors.New("documents: invalid actor id")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// ActorID identifies the user or service on whose behalf a change is made.
type ActorID string

// NewActorID validates raw input and returns an ActorID.
func NewActorID(rawInput string) (ActorID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidActorID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidActorID, maxIdentifierLength)
	}
	return ActorID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ActorID) String() string {
	return string(id)
}

// Metadata is the materialized view of a document's reserved metadata map.
type Metadata struct {
	Title       string
	Description string
	Path        string
	MimeType    string
	OwnerID     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MetadataPatch lists the metadata fields to overwrite; nil fields are left untouched.
type MetadataPatch struct {
	Title       *string
	Description *string
	Path        *string
}

// CreateRequest describes a new document.
type CreateRequest struct {
	ID             DocumentID
	Kind           Kind
	Title          string
	Description    string
	Path           string
	MimeType       string
	ActorID        ActorID
	InitialContent []byte
}

// Document is a read-only handle to a live document. It never exposes the CRDT instance;
// every read or write goes through Store so that per-document serialization holds.
type Document struct {
	id   DocumentID
	kind Kind
	peer PeerID
}

// ID returns the document identifier.
func (document Document) ID() DocumentID {
	return document.id
}

// Kind returns the document kind.
func (document Document) Kind() Kind {
	return document.kind
}

// PeerID returns the CRDT peer identity the live instance writes under.
func (document Document) PeerID() PeerID {
	return document.peer
}

// ApplyResult reports the outcome of an import.
type ApplyResult struct {
	// Delta holds the changes that were new to the document, in canonical order.
	Delta []byte
	// Changed reports whether the import advanced the document's heads.
	Changed bool
}

// HistoryEntry is an immutable named checkpoint of a document version.
type HistoryEntry struct {
	DocumentID    DocumentID
	VersionID     string
	VersionVector VersionVector
	Timestamp     time.Time
	Author        ActorID
	Message       *string
}

// SnapshotRecord is the durable full state of one document.
type SnapshotRecord struct {
	DocumentID DocumentID
	Kind       string
	Snapshot   []byte
	UpdatedAt  time.Time
}
