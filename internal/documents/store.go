package documents

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

const (
	opStoreNew        = "documents.store.new"
	opCreate          = "documents.create"
	opGet             = "documents.get"
	opDelete          = "documents.delete"
	opUpdateMetadata  = "documents.update_metadata"
	opReadMetadata    = "documents.read_metadata"
	opHeads           = "documents.heads"
	opApplyUpdate     = "documents.apply_update"
	opHandshake       = "documents.handshake"
	opSync            = "documents.sync"
	opExportUpdate    = "documents.export_update"
	opExportSnapshot  = "documents.export_snapshot"
	opSubscribe       = "documents.subscribe"
	opLoad            = "documents.load"
	opRelay           = "documents.relay"
	reasonMissingRepo = "missing_repository"
	reasonUnknownID   = "unknown_document"
	reasonDuplicateID = "duplicate_id"
	reasonInvalidID   = "invalid_id"
	reasonIDFailed    = "id_generation_failed"
	reasonBadPayload  = "invalid_payload"
	reasonSeedFailed  = "seed_failed"
	reasonPersist     = "persist_failed"
	reasonCommit      = "commit_failed"
	reasonDetached    = "detached"
	reasonBadHeads    = "invalid_heads"
	reasonExport      = "export_failed"
	reasonBadKind     = "invalid_kind"
	reasonBadSnapshot = "invalid_snapshot"
	reasonWrongDoc    = "subscription_mismatch"
	reasonPublish     = "publish_failed"
	reasonQueueFull   = "relay_queue_full"

	relayQueueLength    = 256
	relayPublishTimeout = 5 * time.Second
)

// UpdatePublisher forwards accepted deltas to other processes.
type UpdatePublisher interface {
	Publish(ctx context.Context, documentID string, update []byte) error
}

// StoreConfig wires a Store.
type StoreConfig struct {
	Repository       Repository
	Clock            func() time.Time
	IDProvider       IDProvider
	Logger           *zap.Logger
	Metrics          *metrics.Collector
	Publisher        UpdatePublisher
	SubscriberBuffer int
	// PeerNamespace distinguishes processes that share documents through a relay. Restored
	// documents write under a peer id derived from the namespace and the document id, so
	// two processes never commit as the same peer.
	PeerNamespace string
}

// Store is the registry of live documents. One Store is constructed per process and
// injected wherever documents are touched.
type Store struct {
	registry         *xsync.MapOf[DocumentID, *liveDocument]
	repository       Repository
	clock            func() time.Time
	idProvider       IDProvider
	logger           *zap.Logger
	metrics          *metrics.Collector
	publisher        UpdatePublisher
	subscriberBuffer int
	peerNamespace    string
	sequence         atomic.Int64

	relayMu     sync.RWMutex
	relayClosed bool
	relayQueue  chan relayItem
	relayDone   chan struct{}
}

type relayItem struct {
	documentID DocumentID
	update     []byte
}

// NewStore validates the configuration and constructs an empty store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Repository == nil {
		return nil, newServiceError(opStoreNew, reasonMissingRepo, ErrInvalidOperation, errMissingRepository)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	buffer := cfg.SubscriberBuffer
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	store := &Store{
		registry:         xsync.NewMapOf[DocumentID, *liveDocument](),
		repository:       cfg.Repository,
		clock:            clock,
		idProvider:       idProvider,
		logger:           logger,
		metrics:          cfg.Metrics,
		publisher:        cfg.Publisher,
		subscriberBuffer: buffer,
		peerNamespace:    strings.TrimSpace(cfg.PeerNamespace),
	}
	if store.publisher != nil {
		store.relayQueue = make(chan relayItem, relayQueueLength)
		store.relayDone = make(chan struct{})
		go store.runRelayPublisher()
	}
	return store, nil
}

// Close stops the relay publisher after draining queued deltas.
func (s *Store) Close() {
	if s.relayQueue == nil {
		return
	}
	s.relayMu.Lock()
	if s.relayClosed {
		s.relayMu.Unlock()
		return
	}
	s.relayClosed = true
	close(s.relayQueue)
	s.relayMu.Unlock()
	<-s.relayDone
}

// Load reconstructs every persisted document. A row that cannot be restored is logged
// and skipped; the returned count covers restored documents only.
func (s *Store) Load(ctx context.Context) (int, error) {
	records, err := s.repository.LoadSnapshots(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, record := range records {
		if err := s.restore(record); err != nil {
			s.logError(opLoad, reasonBadSnapshot, err, zap.String(fieldDocumentID, record.DocumentID.String()))
			continue
		}
		restored++
	}
	s.metrics.DocumentsLive(s.registry.Size())
	s.logger.Info("documents loaded", zap.Int("restored", restored), zap.Int("records", len(records)))
	return restored, nil
}

func (s *Store) restore(record SnapshotRecord) error {
	documentID, err := NewDocumentID(record.DocumentID.String())
	if err != nil {
		return err
	}
	kind, err := ParseKind(record.Kind)
	if err != nil {
		return err
	}
	live, err := newLiveDocument(documentID, kind, s.restoredPeer(documentID), &s.sequence, s.evicted)
	if err != nil {
		return err
	}
	if err := live.seed(record.Snapshot); err != nil {
		return err
	}
	if _, loaded := s.registry.LoadOrStore(documentID, live); loaded {
		return newServiceError(opLoad, reasonDuplicateID, ErrAlreadyExists, nil)
	}
	return nil
}

func (s *Store) restoredPeer(documentID DocumentID) PeerID {
	if s.peerNamespace == "" {
		return DerivePeerID(documentID.String())
	}
	return DerivePeerID(s.peerNamespace + "/" + documentID.String())
}

// Create registers a new document and persists its initial snapshot before returning.
func (s *Store) Create(ctx context.Context, request CreateRequest) (Document, error) {
	kind := request.Kind
	if kind == nil {
		kind = FlowKind{}
	}
	documentID := request.ID
	if documentID == "" {
		rawID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreate, reasonIDFailed, err)
			return Document{}, newServiceError(opCreate, reasonIDFailed, ErrInvalidOperation, err)
		}
		documentID = DocumentID(rawID)
	}
	documentID, err := NewDocumentID(documentID.String())
	if err != nil {
		return Document{}, newServiceError(opCreate, reasonInvalidID, ErrInvalidOperation, err)
	}

	peer := s.restoredPeer(documentID)
	if request.ActorID != "" {
		peer = DerivePeerID(request.ActorID.String())
	}
	live, err := newLiveDocument(documentID, kind, peer, &s.sequence, s.evicted)
	if err != nil {
		return Document{}, newServiceError(opCreate, reasonSeedFailed, ErrInvalidOperation, err)
	}

	live.mu.Lock()
	defer live.mu.Unlock()
	if _, loaded := s.registry.LoadOrStore(documentID, live); loaded {
		return Document{}, newServiceError(opCreate, reasonDuplicateID, ErrAlreadyExists, nil)
	}
	rollback := func() {
		live.removed = true
		s.registry.Delete(documentID)
	}

	if len(request.InitialContent) > 0 {
		if err := live.seed(request.InitialContent); err != nil {
			rollback()
			return Document{}, newServiceError(opCreate, reasonBadPayload, ErrInvalidOperation, err)
		}
	} else {
		if err := writeInitialMetadata(live.doc, kind, request, s.clock().UTC()); err != nil {
			rollback()
			return Document{}, newServiceError(opCreate, reasonSeedFailed, ErrInvalidOperation, err)
		}
		if _, err := live.doc.Commit("create " + kind.Name()); err != nil {
			rollback()
			return Document{}, newServiceError(opCreate, reasonCommit, ErrInvalidOperation, err)
		}
	}

	if err := s.persistLocked(ctx, live, opCreate); err != nil {
		rollback()
		return Document{}, err
	}
	s.metrics.DocumentsLive(s.registry.Size())
	return live.handle(), nil
}

// Get returns the live handle for id.
func (s *Store) Get(documentID DocumentID) (Document, error) {
	live, err := s.lookup(opGet, documentID)
	if err != nil {
		return Document{}, err
	}
	return live.handle(), nil
}

// Delete removes durable state first, then the live instance, then closes subscribers.
func (s *Store) Delete(ctx context.Context, documentID DocumentID) error {
	live, err := s.lockLive(opDelete, documentID)
	if err != nil {
		return err
	}
	defer live.mu.Unlock()

	if err := s.repository.DeleteDocument(ctx, documentID); err != nil {
		s.logError(opDelete, reasonPersist, err, zap.String(fieldDocumentID, documentID.String()))
		return newServiceError(opDelete, reasonPersist, ErrStorageFailure, err)
	}
	live.removed = true
	s.registry.Delete(documentID)
	live.hub.closeAll(ReasonDeleted)
	s.metrics.DocumentsLive(s.registry.Size())
	return nil
}

// ListIDs returns the loaded ids of the given kind, sorted. A nil kind lists all.
func (s *Store) ListIDs(kind Kind) []DocumentID {
	ids := make([]DocumentID, 0, s.registry.Size())
	s.registry.Range(func(documentID DocumentID, live *liveDocument) bool {
		if kind == nil || SameKind(kind, live.kind) {
			ids = append(ids, documentID)
		}
		return true
	})
	slices.Sort(ids)
	return ids
}

// Count returns the number of live documents.
func (s *Store) Count() int {
	return s.registry.Size()
}

// UpdateMetadata writes the supplied fields in one commit, persists and broadcasts.
func (s *Store) UpdateMetadata(ctx context.Context, documentID DocumentID, patch MetadataPatch) error {
	live, err := s.lockLive(opUpdateMetadata, documentID)
	if err != nil {
		return err
	}
	defer live.mu.Unlock()

	if live.detached() {
		return newServiceError(opUpdateMetadata, reasonDetached, ErrInvalidOperation, nil)
	}
	before := live.doc.Heads()
	if err := applyMetadataPatch(live.doc, live.kind, patch, s.clock().UTC()); err != nil {
		return newServiceError(opUpdateMetadata, reasonBadPayload, ErrInvalidOperation, err)
	}
	delta, changed, err := live.commitLocal(before, "update metadata")
	if err != nil {
		return newServiceError(opUpdateMetadata, reasonCommit, ErrInvalidOperation, err)
	}
	persistErr := s.persistLocked(ctx, live, opUpdateMetadata)
	if changed {
		s.broadcastLocked(live, delta, originLocal)
	}
	return persistErr
}

// ReadMetadata materializes the metadata map, filling defaults for unset fields.
func (s *Store) ReadMetadata(documentID DocumentID) (Metadata, error) {
	live, err := s.lockLive(opReadMetadata, documentID)
	if err != nil {
		return Metadata{}, err
	}
	defer live.mu.Unlock()
	return readMetadata(live.materialized(), live.kind, s.clock().UTC()), nil
}

// Heads returns the hex heads of the full document, sorted.
func (s *Store) Heads(documentID DocumentID) ([]string, error) {
	live, err := s.lockLive(opHeads, documentID)
	if err != nil {
		return nil, err
	}
	defer live.mu.Unlock()
	return headStrings(live.doc.Heads()), nil
}

// ApplyUpdate imports, persists and broadcasts under the document lock. When persisting
// fails the merge stays in memory and the returned error wraps ErrStorageFailure
// alongside a valid result.
func (s *Store) ApplyUpdate(ctx context.Context, documentID DocumentID, payload []byte, origin Origin) (ApplyResult, error) {
	started := time.Now()
	live, err := s.lockLive(opApplyUpdate, documentID)
	if err != nil {
		return ApplyResult{}, err
	}
	defer live.mu.Unlock()
	defer s.metrics.ObserveImport(started)
	return s.importLocked(ctx, live, payload, origin, opApplyUpdate)
}

// Handshake answers a subscriber's first message: the payload is imported, the full
// update is queued to the subscriber and the subscription is activated, all under the
// document lock so no broadcast can overtake the catch-up.
func (s *Store) Handshake(ctx context.Context, documentID DocumentID, payload []byte, subscription *Subscription) (ApplyResult, error) {
	if subscription == nil || subscription.DocumentID() != documentID {
		return ApplyResult{}, newServiceError(opHandshake, reasonWrongDoc, ErrInvalidOperation, nil)
	}
	started := time.Now()
	live, err := s.lockLive(opHandshake, documentID)
	if err != nil {
		return ApplyResult{}, err
	}
	defer live.mu.Unlock()
	defer s.metrics.ObserveImport(started)

	result, importErr := s.importLocked(ctx, live, payload, subscription.Origin(), opHandshake)
	if importErr != nil && !errors.Is(importErr, ErrStorageFailure) {
		return ApplyResult{}, importErr
	}
	catchUp, err := live.exportUpdate(nil)
	if err != nil {
		return result, newServiceError(opHandshake, reasonExport, ErrInvalidOperation, err)
	}
	if !subscription.enqueue(catchUp) {
		if subscription.terminate(ReasonLagging) {
			s.evicted(subscription)
		}
		return result, importErr
	}
	subscription.active.Store(true)
	return result, importErr
}

// Sync is the HTTP fallback: import the payload and return the full update atomically.
func (s *Store) Sync(ctx context.Context, documentID DocumentID, payload []byte) ([]byte, error) {
	started := time.Now()
	live, err := s.lockLive(opSync, documentID)
	if err != nil {
		return nil, err
	}
	defer live.mu.Unlock()
	defer s.metrics.ObserveImport(started)

	_, importErr := s.importLocked(ctx, live, payload, OriginHTTP, opSync)
	if importErr != nil && !errors.Is(importErr, ErrStorageFailure) {
		return nil, importErr
	}
	updates, err := live.exportUpdate(nil)
	if err != nil {
		return nil, newServiceError(opSync, reasonExport, ErrInvalidOperation, err)
	}
	return updates, importErr
}

// ExportUpdate returns the changes since the given heads in canonical order. No heads
// exports everything.
func (s *Store) ExportUpdate(documentID DocumentID, sinceHeads []string) ([]byte, error) {
	since, err := parseHeads(sinceHeads)
	if err != nil {
		return nil, newServiceError(opExportUpdate, reasonBadHeads, ErrInvalidOperation, err)
	}
	live, err := s.lockLive(opExportUpdate, documentID)
	if err != nil {
		return nil, err
	}
	defer live.mu.Unlock()
	if !live.knows(since) {
		return nil, newServiceError(opExportUpdate, reasonBadHeads, ErrInvalidOperation, nil)
	}
	updates, err := live.exportUpdate(since)
	if err != nil {
		return nil, newServiceError(opExportUpdate, reasonExport, ErrInvalidOperation, err)
	}
	return updates, nil
}

// ExportSnapshot returns the saved state of what readers currently observe.
func (s *Store) ExportSnapshot(documentID DocumentID) ([]byte, error) {
	live, err := s.lockLive(opExportSnapshot, documentID)
	if err != nil {
		return nil, err
	}
	defer live.mu.Unlock()
	return live.materialized().Save(), nil
}

// Subscribe registers an inactive subscriber on the document.
func (s *Store) Subscribe(documentID DocumentID, options SubscriberOptions) (*Subscription, error) {
	live, err := s.lockLive(opSubscribe, documentID)
	if err != nil {
		return nil, err
	}
	defer live.mu.Unlock()
	buffer := options.Buffer
	if buffer <= 0 {
		buffer = s.subscriberBuffer
	}
	return live.hub.add(documentID, buffer), nil
}

// SubscriberCount returns the number of open subscriptions on the document.
func (s *Store) SubscriberCount(documentID DocumentID) int {
	live, ok := s.registry.Load(documentID)
	if !ok {
		return 0
	}
	return live.hub.count()
}

// ApplyRelayedUpdate imports a delta published by another process.
func (s *Store) ApplyRelayedUpdate(ctx context.Context, rawDocumentID string, update []byte) {
	documentID, err := NewDocumentID(rawDocumentID)
	if err != nil {
		s.logger.Warn("relayed update rejected", zap.String(fieldDocumentID, rawDocumentID), zap.Error(err))
		return
	}
	if _, err := s.ApplyUpdate(ctx, documentID, update, OriginRelay); err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.Debug("relayed update for unknown document", zap.String(fieldDocumentID, rawDocumentID))
			return
		}
		s.logError(opRelay, reasonBadPayload, err, zap.String(fieldDocumentID, rawDocumentID))
	}
}

func (s *Store) importLocked(ctx context.Context, live *liveDocument, payload []byte, origin Origin, operation string) (ApplyResult, error) {
	delta, changed, err := live.importPayload(payload)
	if err != nil {
		s.metrics.DocumentUpdate(origin.Source(), metrics.ResultRejected)
		s.logger.Warn("update rejected",
			zap.String("operation", operation),
			zap.String(fieldDocumentID, live.id.String()),
			zap.String("source", origin.Source()),
			zap.Error(err))
		return ApplyResult{}, newServiceError(operation, reasonBadPayload, ErrInvalidOperation, err)
	}
	if !changed {
		s.metrics.DocumentUpdate(origin.Source(), metrics.ResultUnchanged)
		return ApplyResult{}, nil
	}
	s.metrics.DocumentUpdate(origin.Source(), metrics.ResultAccepted)
	persistErr := s.persistLocked(ctx, live, operation)
	s.broadcastLocked(live, delta, origin)
	return ApplyResult{Delta: delta, Changed: true}, persistErr
}

func (s *Store) persistLocked(ctx context.Context, live *liveDocument, operation string) error {
	record := SnapshotRecord{
		DocumentID: live.id,
		Kind:       live.kind.Name(),
		Snapshot:   live.doc.Save(),
		UpdatedAt:  s.clock().UTC(),
	}
	if err := s.repository.SaveSnapshot(ctx, record); err != nil {
		s.metrics.SnapshotWrite(metrics.ResultFailed)
		s.logError(operation, reasonPersist, err, zap.String(fieldDocumentID, live.id.String()))
		return newServiceError(operation, reasonPersist, ErrStorageFailure, err)
	}
	s.metrics.SnapshotWrite(metrics.ResultOK)
	return nil
}

func (s *Store) broadcastLocked(live *liveDocument, delta []byte, origin Origin) {
	live.hub.publish(delta, origin)
	if origin.source != sourceRelay {
		s.enqueueRelay(live.id, delta)
	}
}

func (s *Store) enqueueRelay(documentID DocumentID, update []byte) {
	if s.relayQueue == nil {
		return
	}
	s.relayMu.RLock()
	defer s.relayMu.RUnlock()
	if s.relayClosed {
		return
	}
	select {
	case s.relayQueue <- relayItem{documentID: documentID, update: update}:
	default:
		s.logError(opRelay, reasonQueueFull, nil, zap.String(fieldDocumentID, documentID.String()))
	}
}

func (s *Store) runRelayPublisher() {
	defer close(s.relayDone)
	for item := range s.relayQueue {
		ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
		if err := s.publisher.Publish(ctx, item.documentID.String(), item.update); err != nil {
			s.logError(opRelay, reasonPublish, err, zap.String(fieldDocumentID, item.documentID.String()))
		}
		cancel()
	}
}

func (s *Store) evicted(subscription *Subscription) {
	s.metrics.SubscriberEvicted()
	s.logger.Warn("subscriber evicted",
		zap.String(fieldDocumentID, subscription.DocumentID().String()),
		zap.String("reason", ReasonLagging.String()))
}

func (s *Store) lookup(operation string, documentID DocumentID) (*liveDocument, error) {
	live, ok := s.registry.Load(documentID)
	if !ok {
		return nil, newServiceError(operation, reasonUnknownID, ErrNotFound, nil)
	}
	return live, nil
}

// lockLive returns the document with its lock held, or ErrNotFound if it is unknown or
// was removed while the caller waited for the lock.
func (s *Store) lockLive(operation string, documentID DocumentID) (*liveDocument, error) {
	live, err := s.lookup(operation, documentID)
	if err != nil {
		return nil, err
	}
	live.mu.Lock()
	if live.removed {
		live.mu.Unlock()
		return nil, newServiceError(operation, reasonUnknownID, ErrNotFound, errDocumentRemoved)
	}
	return live, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	logServiceError(s.logger, operation, reason, err, fields...)
}
