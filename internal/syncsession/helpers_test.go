package syncsession

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/documents"
	"github.com/automerge/automerge-go"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const syncReadTimeout = 2 * time.Second

func newTestStore(t *testing.T, wrap func(documents.Repository) documents.Repository) *documents.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "sync.db")), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&documents.DocumentRecord{}, &documents.HistoryRecord{}))

	repository, err := documents.NewGormRepository(documents.GormRepositoryConfig{Database: db})
	require.NoError(t, err)
	var backing documents.Repository = repository
	if wrap != nil {
		backing = wrap(repository)
	}
	store, err := documents.NewStore(documents.StoreConfig{Repository: backing})
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func createFlow(t *testing.T, store *documents.Store, rawID string) documents.DocumentID {
	t.Helper()
	documentID, err := documents.NewDocumentID(rawID)
	require.NoError(t, err)
	_, err = store.Create(context.Background(), documents.CreateRequest{ID: documentID, Title: rawID, ActorID: "user-owner"})
	require.NoError(t, err)
	return documentID
}

// newSyncServer serves sessions on /sync/<documentID>.
func newSyncServer(t *testing.T, manager *Manager) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		conn, err := upgrader.Upgrade(writer, request, nil)
		if err != nil {
			return
		}
		documentID := documents.DocumentID(strings.TrimPrefix(request.URL.Path, "/sync/"))
		_ = manager.Serve(request.Context(), conn, documentID, "user-test")
	}))
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server, documentID documents.DocumentID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/sync/" + documentID.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(syncReadTimeout)))
	messageType, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, messageType)
	return payload
}

func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(syncReadTimeout)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
		return closeErr.Code
	}
}

// syncClient is a client-side replica of a flow document.
type syncClient struct {
	doc *automerge.Doc
}

func newSyncClient(t *testing.T, actorHex string, catchUp []byte) *syncClient {
	t.Helper()
	doc := automerge.New()
	require.NoError(t, doc.LoadIncremental(catchUp))
	require.NoError(t, doc.SetActorID(actorHex))
	return &syncClient{doc: doc}
}

func (client *syncClient) insert(t *testing.T, text string) []byte {
	t.Helper()
	before := client.doc.Heads()
	require.NoError(t, client.doc.Path("document", "content").Text().Insert(0, text))
	_, err := client.doc.Commit("insert")
	require.NoError(t, err)
	changes, err := client.doc.Changes(before...)
	require.NoError(t, err)
	var payload []byte
	for _, change := range changes {
		payload = append(payload, change.Save()...)
	}
	return payload
}

func (client *syncClient) apply(t *testing.T, payload []byte) {
	t.Helper()
	require.NoError(t, client.doc.LoadIncremental(payload))
}

func (client *syncClient) content(t *testing.T) string {
	t.Helper()
	content, err := client.doc.Path("document", "content").Text().Get()
	require.NoError(t, err)
	return content
}

type fakeMessage struct {
	messageType int
	payload     []byte
}

// fakeTransport is an in-memory Transport. A close frame written by the session is
// answered like a well-behaved peer would.
type fakeTransport struct {
	inbound   chan fakeMessage
	writeGate chan struct{}

	mu       sync.Mutex
	written  [][]byte
	closes   []int
	pings    int
	peerGone chan struct{}
	goneOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound:  make(chan fakeMessage, 16),
		peerGone: make(chan struct{}),
	}
}

func (transport *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case message := <-transport.inbound:
		return message.messageType, message.payload, nil
	case <-transport.peerGone:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (transport *fakeTransport) WriteMessage(_ int, payload []byte) error {
	if transport.writeGate != nil {
		<-transport.writeGate
	}
	transport.mu.Lock()
	defer transport.mu.Unlock()
	transport.written = append(transport.written, payload)
	return nil
}

func (transport *fakeTransport) WriteControl(messageType int, data []byte, _ time.Time) error {
	transport.mu.Lock()
	defer transport.mu.Unlock()
	switch messageType {
	case websocket.CloseMessage:
		code := websocket.CloseNoStatusReceived
		if len(data) >= 2 {
			code = int(data[0])<<8 | int(data[1])
		}
		transport.closes = append(transport.closes, code)
		transport.goneOnce.Do(func() { close(transport.peerGone) })
	case websocket.PingMessage:
		transport.pings++
	}
	return nil
}

func (transport *fakeTransport) SetReadDeadline(time.Time) error  { return nil }
func (transport *fakeTransport) SetWriteDeadline(time.Time) error { return nil }
func (transport *fakeTransport) SetPongHandler(func(string) error) {}

func (transport *fakeTransport) Close() error {
	transport.goneOnce.Do(func() { close(transport.peerGone) })
	return nil
}

func (transport *fakeTransport) closeCodes() []int {
	transport.mu.Lock()
	defer transport.mu.Unlock()
	return append([]int(nil), transport.closes...)
}

func (transport *fakeTransport) writtenCount() int {
	transport.mu.Lock()
	defer transport.mu.Unlock()
	return len(transport.written)
}

func (transport *fakeTransport) pingCount() int {
	transport.mu.Lock()
	defer transport.mu.Unlock()
	return transport.pings
}

type failingSaves struct {
	documents.Repository
	fail chan struct{}
}

func (repository *failingSaves) SaveSnapshot(ctx context.Context, record documents.SnapshotRecord) error {
	select {
	case <-repository.fail:
		return errors.New("disk full")
	default:
		return repository.Repository.SaveSnapshot(ctx, record)
	}
}
