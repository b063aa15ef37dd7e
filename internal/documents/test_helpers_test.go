package documents

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	clientActorAlpha = "0a0a0a0a0a0a0a0a"
	clientActorBeta  = "0b0b0b0b0b0b0b0b"
)

var errInjectedStorage = errors.New("injected storage failure")

func mustOpenTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "documents.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		t.Fatalf("failed to open sqlite database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&DocumentRecord{}, &HistoryRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

func mustRepository(t *testing.T, db *gorm.DB) *GormRepository {
	t.Helper()
	repository, err := NewGormRepository(GormRepositoryConfig{Database: db, OperationTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("failed to construct repository: %v", err)
	}
	return repository
}

func mustStore(t *testing.T, repository Repository, configure ...func(*StoreConfig)) *Store {
	t.Helper()
	cfg := StoreConfig{
		Repository: repository,
		Clock:      newStepClock(time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)).Now,
	}
	for _, apply := range configure {
		apply(&cfg)
	}
	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func mustDocumentID(t *testing.T, value string) DocumentID {
	t.Helper()
	id, err := NewDocumentID(value)
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

func mustCreateFlow(t *testing.T, store *Store, id DocumentID, title string) Document {
	t.Helper()
	document, err := store.Create(context.Background(), CreateRequest{
		ID:      id,
		Kind:    FlowKind{},
		Title:   title,
		ActorID: ActorID("user-owner"),
	})
	if err != nil {
		t.Fatalf("failed to create document: %v", err)
	}
	return document
}

// mustClientEdit replays the document into a fresh client, inserts text at the start of
// the flow content and returns the client's new changes.
func mustClientEdit(t *testing.T, base []byte, actorHex, text string) []byte {
	t.Helper()
	client := automerge.New()
	if err := client.LoadIncremental(base); err != nil {
		t.Fatalf("failed to load base into client: %v", err)
	}
	if err := client.SetActorID(actorHex); err != nil {
		t.Fatalf("failed to set client actor: %v", err)
	}
	before := client.Heads()
	if err := client.Path(flowMetadataKey, flowContentKey).Text().Insert(0, text); err != nil {
		t.Fatalf("failed to edit client text: %v", err)
	}
	if _, err := client.Commit("client edit"); err != nil {
		t.Fatalf("failed to commit client edit: %v", err)
	}
	changes, err := client.Changes(before...)
	if err != nil {
		t.Fatalf("failed to list client changes: %v", err)
	}
	return encodeChanges(changes)
}

func mustFullUpdate(t *testing.T, store *Store, id DocumentID) []byte {
	t.Helper()
	update, err := store.ExportUpdate(id, nil)
	if err != nil {
		t.Fatalf("failed to export update: %v", err)
	}
	return update
}

func mustFlowContent(t *testing.T, store *Store, id DocumentID) string {
	t.Helper()
	live, err := store.lockLive("test.content", id)
	if err != nil {
		t.Fatalf("failed to lock document: %v", err)
	}
	defer live.mu.Unlock()
	content, err := readFlowContent(live.materialized())
	if err != nil {
		t.Fatalf("failed to read flow content: %v", err)
	}
	return content
}

func mustActivate(t *testing.T, store *Store, subscription *Subscription) {
	t.Helper()
	if _, err := store.Handshake(context.Background(), subscription.DocumentID(), nil, subscription); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	select {
	case <-subscription.Updates():
	case <-time.After(time.Second):
		t.Fatalf("expected catch-up payload")
	}
}

type stepClock struct {
	mu      sync.Mutex
	current time.Time
}

func newStepClock(start time.Time) *stepClock {
	return &stepClock{current: start}
}

// Now advances one second per call so consecutive records get distinct timestamps.
func (clock *stepClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.current = clock.current.Add(time.Second)
	return clock.current
}

type flakyRepository struct {
	Repository
	failSaves   atomic.Bool
	failDeletes atomic.Bool
}

func (repository *flakyRepository) SaveSnapshot(ctx context.Context, record SnapshotRecord) error {
	if repository.failSaves.Load() {
		return errInjectedStorage
	}
	return repository.Repository.SaveSnapshot(ctx, record)
}

func (repository *flakyRepository) DeleteDocument(ctx context.Context, documentID DocumentID) error {
	if repository.failDeletes.Load() {
		return errInjectedStorage
	}
	return repository.Repository.DeleteDocument(ctx, documentID)
}

type recordingPublisher struct {
	mu        sync.Mutex
	published map[string]int
}

func (publisher *recordingPublisher) Publish(_ context.Context, documentID string, _ []byte) error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if publisher.published == nil {
		publisher.published = make(map[string]int)
	}
	publisher.published[documentID]++
	return nil
}

func (publisher *recordingPublisher) count(documentID string) int {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	return publisher.published[documentID]
}
