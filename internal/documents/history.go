package documents

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

const (
	opCreateSnapshot     = "documents.create_snapshot"
	opListHistory        = "documents.list_history"
	opCheckout           = "documents.checkout"
	opCheckoutLatest     = "documents.checkout_latest"
	reasonVersionUnknown = "unknown_version"
	reasonVersionEmpty   = "empty_version"
)

// Version selects a checkout target: explicit heads, a recorded history version, or the
// latest state.
type Version struct {
	Heads     []string
	VersionID string
	Latest    bool
}

// LatestVersion re-attaches a checked-out document.
func LatestVersion() Version {
	return Version{Latest: true}
}

// HeadsVersion selects the state at the given hex heads. An empty list is the empty document.
func HeadsVersion(heads []string) Version {
	if heads == nil {
		heads = []string{}
	}
	return Version{Heads: heads}
}

// RecordedVersion selects the state captured by a history entry.
func RecordedVersion(versionID string) Version {
	return Version{VersionID: strings.TrimSpace(versionID)}
}

// CreateSnapshot records the current version vector as a history entry. Content is untouched.
// The entry is written under the document lock so a concurrent Delete cannot interleave.
func (s *Store) CreateSnapshot(ctx context.Context, documentID DocumentID, author ActorID, message string) (HistoryEntry, error) {
	live, err := s.lockLive(opCreateSnapshot, documentID)
	if err != nil {
		return HistoryEntry{}, err
	}
	defer live.mu.Unlock()
	vector, err := versionVectorOf(live.materialized())
	if err != nil {
		return HistoryEntry{}, newServiceError(opCreateSnapshot, reasonExport, ErrInvalidOperation, err)
	}

	versionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateSnapshot, reasonIDFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return HistoryEntry{}, newServiceError(opCreateSnapshot, reasonIDFailed, ErrInvalidOperation, err)
	}
	entry := HistoryEntry{
		DocumentID:    documentID,
		VersionID:     versionID,
		VersionVector: vector,
		Timestamp:     s.clock().UTC(),
		Author:        author,
	}
	if trimmed := strings.TrimSpace(message); trimmed != "" {
		entry.Message = &trimmed
	}
	if err := s.repository.RecordHistoryEntry(ctx, entry); err != nil {
		s.logError(opCreateSnapshot, reasonPersist, err, zap.String(fieldDocumentID, documentID.String()))
		return HistoryEntry{}, newServiceError(opCreateSnapshot, reasonPersist, ErrStorageFailure, err)
	}
	return entry, nil
}

// ListHistory returns the document's history, newest first.
func (s *Store) ListHistory(ctx context.Context, documentID DocumentID) ([]HistoryEntry, error) {
	if _, err := s.lookup(opListHistory, documentID); err != nil {
		return nil, err
	}
	entries, err := s.repository.ListHistory(ctx, documentID)
	if err != nil {
		return nil, newServiceError(opListHistory, reasonPersist, ErrStorageFailure, err)
	}
	return entries, nil
}

// Checkout detaches the document at a historical version. The checkout is shared by
// every reader. Imports keep merging into the full history while detached; local
// metadata edits are rejected until CheckoutLatest.
func (s *Store) Checkout(ctx context.Context, documentID DocumentID, version Version) error {
	if version.Latest {
		return s.CheckoutLatest(ctx, documentID)
	}
	targetHeads := version.Heads
	if version.VersionID != "" {
		if _, err := s.lookup(opCheckout, documentID); err != nil {
			return err
		}
		entry, err := s.repository.FindHistoryEntry(ctx, documentID, version.VersionID)
		if errors.Is(err, ErrNotFound) {
			return newServiceError(opCheckout, reasonVersionUnknown, ErrInvalidOperation, nil)
		}
		if err != nil {
			return newServiceError(opCheckout, reasonPersist, ErrStorageFailure, err)
		}
		targetHeads = entry.VersionVector.Heads
	} else if targetHeads == nil {
		return newServiceError(opCheckout, reasonVersionEmpty, ErrInvalidOperation, nil)
	}

	heads, err := parseHeads(targetHeads)
	if err != nil {
		return newServiceError(opCheckout, reasonBadHeads, ErrInvalidOperation, err)
	}
	live, err := s.lockLive(opCheckout, documentID)
	if err != nil {
		return err
	}
	defer live.mu.Unlock()
	if err := live.checkout(heads); err != nil {
		return newServiceError(opCheckout, reasonBadHeads, ErrInvalidOperation, err)
	}
	s.logger.Info("document checked out",
		zap.String(fieldDocumentID, documentID.String()),
		zap.Strings("heads", headStrings(heads)))
	return nil
}

// CheckoutLatest re-attaches the document to its latest state.
func (s *Store) CheckoutLatest(ctx context.Context, documentID DocumentID) error {
	live, err := s.lockLive(opCheckoutLatest, documentID)
	if err != nil {
		return err
	}
	defer live.mu.Unlock()
	live.attach()
	return nil
}

// Detached reports whether the document is checked out at a historical version.
func (s *Store) Detached(documentID DocumentID) (bool, error) {
	live, err := s.lockLive(opCheckout, documentID)
	if err != nil {
		return false, err
	}
	defer live.mu.Unlock()
	return live.detached(), nil
}
