package syncsession

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/documents"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func mustManager(t *testing.T, store DocumentStore, configure ...func(*ManagerConfig)) *Manager {
	t.Helper()
	cfg := ManagerConfig{Store: store, WriteTimeout: time.Second}
	for _, apply := range configure {
		apply(&cfg)
	}
	manager, err := NewManager(cfg)
	require.NoError(t, err)
	return manager
}

func waitForState(t *testing.T, manager *Manager, documentID documents.DocumentID, state State) {
	t.Helper()
	require.Eventually(t, func() bool {
		reached := false
		manager.sessions.Range(func(_ int64, session *Session) bool {
			if session.documentID == documentID && session.State() == state {
				reached = true
				return false
			}
			return true
		})
		return reached
	}, syncReadTimeout, 5*time.Millisecond)
}

func TestTwoSessionsConvergeWithoutEcho(t *testing.T) {
	store := newTestStore(t, nil)
	documentID := createFlow(t, store, "doc-1")
	server := newSyncServer(t, mustManager(t, store))

	first := dial(t, server, documentID)
	require.NoError(t, first.WriteMessage(websocket.BinaryMessage, nil))
	firstClient := newSyncClient(t, "0101010101010101", readBinary(t, first))

	second := dial(t, server, documentID)
	require.NoError(t, second.WriteMessage(websocket.BinaryMessage, nil))
	secondClient := newSyncClient(t, "0202020202020202", readBinary(t, second))

	require.NoError(t, first.WriteMessage(websocket.BinaryMessage, firstClient.insert(t, "hello")))

	secondClient.apply(t, readBinary(t, second))
	require.Equal(t, "hello", secondClient.content(t))

	require.NoError(t, first.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := first.ReadMessage()
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected no echo, got %v", err)

	late := dial(t, server, documentID)
	require.NoError(t, late.WriteMessage(websocket.BinaryMessage, nil))
	lateClient := newSyncClient(t, "0303030303030303", readBinary(t, late))
	require.Equal(t, "hello", lateClient.content(t))
}

func TestFirstMessageIsMergedBeforeCatchUp(t *testing.T) {
	store := newTestStore(t, nil)
	documentID := createFlow(t, store, "doc-offline")
	server := newSyncServer(t, mustManager(t, store))

	base, err := store.ExportUpdate(documentID, nil)
	require.NoError(t, err)
	offline := newSyncClient(t, "0404040404040404", base)
	pending := offline.insert(t, "offline edit")

	conn := dial(t, server, documentID)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, pending))
	merged := newSyncClient(t, "0505050505050505", readBinary(t, conn))
	require.Equal(t, "offline edit", merged.content(t))
}

func TestUnknownDocumentClosesWithNotFound(t *testing.T) {
	store := newTestStore(t, nil)
	server := newSyncServer(t, mustManager(t, store))

	conn := dial(t, server, "missing-document")
	require.Equal(t, CloseDocumentNotFound, readCloseCode(t, conn))
}

func TestTextFrameClosesWithProtocolError(t *testing.T) {
	store := newTestStore(t, nil)
	documentID := createFlow(t, store, "doc-text")
	server := newSyncServer(t, mustManager(t, store))

	conn := dial(t, server, documentID)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"sync"}`)))
	require.Equal(t, CloseProtocolError, readCloseCode(t, conn))
}

func TestMalformedBinaryClosesWithInvalidPayload(t *testing.T) {
	store := newTestStore(t, nil)
	documentID := createFlow(t, store, "doc-garbage")
	server := newSyncServer(t, mustManager(t, store))

	conn := dial(t, server, documentID)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("not an update")))
	require.Equal(t, CloseInvalidPayload, readCloseCode(t, conn))
}

func TestDeletedDocumentClosesSessions(t *testing.T) {
	store := newTestStore(t, nil)
	documentID := createFlow(t, store, "doc-deleted")
	manager := mustManager(t, store)
	server := newSyncServer(t, manager)

	conn := dial(t, server, documentID)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, nil))
	readBinary(t, conn)

	require.NoError(t, store.Delete(context.Background(), documentID))
	require.Equal(t, CloseDocumentDeleted, readCloseCode(t, conn))
	require.Eventually(t, func() bool { return manager.ActiveSessions(documentID) == 0 }, syncReadTimeout, 5*time.Millisecond)
}

func TestPersistFailureKeepsSessionsAlive(t *testing.T) {
	fail := make(chan struct{})
	store := newTestStore(t, func(repository documents.Repository) documents.Repository {
		return &failingSaves{Repository: repository, fail: fail}
	})
	documentID := createFlow(t, store, "doc-durability")
	manager := mustManager(t, store)
	server := newSyncServer(t, manager)

	writer := dial(t, server, documentID)
	require.NoError(t, writer.WriteMessage(websocket.BinaryMessage, nil))
	writerClient := newSyncClient(t, "0606060606060606", readBinary(t, writer))
	reader := dial(t, server, documentID)
	require.NoError(t, reader.WriteMessage(websocket.BinaryMessage, nil))
	readerClient := newSyncClient(t, "0707070707070707", readBinary(t, reader))

	close(fail)
	require.NoError(t, writer.WriteMessage(websocket.BinaryMessage, writerClient.insert(t, "one ")))
	readerClient.apply(t, readBinary(t, reader))
	require.NoError(t, writer.WriteMessage(websocket.BinaryMessage, writerClient.insert(t, "two ")))
	readerClient.apply(t, readBinary(t, reader))

	require.Equal(t, "two one ", readerClient.content(t))
	require.Equal(t, 2, manager.ActiveSessions(documentID))
}

func TestLaggingSubscriberClosesWithTryAgainLater(t *testing.T) {
	store := newTestStore(t, nil)
	documentID := createFlow(t, store, "doc-lagging")
	manager := mustManager(t, store, func(cfg *ManagerConfig) {
		cfg.SubscriberBuffer = 1
	})

	transport := newFakeTransport()
	transport.writeGate = make(chan struct{})
	served := make(chan error, 1)
	go func() {
		served <- manager.Serve(context.Background(), transport, documentID, "user-slow")
	}()
	transport.inbound <- fakeMessage{messageType: websocket.BinaryMessage}
	waitForState(t, manager, documentID, StateSynchronized)

	for _, text := range []string{"a", "b", "c"} {
		base, err := store.ExportUpdate(documentID, nil)
		require.NoError(t, err)
		client := newSyncClient(t, "0808080808080808", base)
		_, err = store.ApplyUpdate(context.Background(), documentID, client.insert(t, text), documents.OriginHTTP)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return store.SubscriberCount(documentID) == 0 }, syncReadTimeout, 5*time.Millisecond)

	close(transport.writeGate)
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(syncReadTimeout):
		t.Fatalf("expected lagging session to end")
	}
	require.Equal(t, []int{CloseTryAgainLater}, transport.closeCodes())
}

func TestKeepaliveSendsPings(t *testing.T) {
	store := newTestStore(t, nil)
	documentID := createFlow(t, store, "doc-ping")
	manager := mustManager(t, store, func(cfg *ManagerConfig) {
		cfg.PingInterval = 10 * time.Millisecond
		cfg.PongTimeout = time.Second
	})

	transport := newFakeTransport()
	served := make(chan error, 1)
	go func() {
		served <- manager.Serve(context.Background(), transport, documentID, "user-ping")
	}()
	require.Eventually(t, func() bool { return transport.pingCount() >= 2 }, syncReadTimeout, 5*time.Millisecond)

	require.NoError(t, transport.Close())
	require.NoError(t, <-served)
	require.Equal(t, 0, manager.ActiveSessions(""))
}

func TestShutdownClosesSessionsWithGoingAway(t *testing.T) {
	store := newTestStore(t, nil)
	documentID := createFlow(t, store, "doc-shutdown")
	manager := mustManager(t, store)
	server := newSyncServer(t, manager)

	conn := dial(t, server, documentID)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, nil))
	readBinary(t, conn)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdown := make(chan error, 1)
	go func() {
		shutdown <- manager.Shutdown(shutdownCtx)
	}()

	require.Equal(t, CloseGoingAway, readCloseCode(t, conn))
	require.NoError(t, <-shutdown)

	late := newFakeTransport()
	err := manager.Serve(context.Background(), late, documentID, "user-late")
	var closeErr *CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, CloseGoingAway, closeErr.Code)
}

func TestNewManagerRequiresStore(t *testing.T) {
	_, err := NewManager(ManagerConfig{})
	require.ErrorIs(t, err, errMissingStore)
}

func TestCloseBeforeSubscribeKeepsClosingState(t *testing.T) {
	store := newTestStore(t, nil)
	documentID := createFlow(t, store, "doc-early-close")
	manager := mustManager(t, store)
	transport := newFakeTransport()
	session := manager.newSession(transport, documentID, "user-1")

	session.close(CloseGoingAway, reasonShutdown)
	err := session.run(context.Background())

	var closeErr *CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, CloseGoingAway, closeErr.Code)
	require.Equal(t, StateClosing, session.State())
	require.Equal(t, []int{CloseGoingAway}, transport.closeCodes())
	require.Zero(t, transport.writtenCount())
	require.Zero(t, store.SubscriberCount(documentID))
}
