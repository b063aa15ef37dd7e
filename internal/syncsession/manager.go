// Package syncsession runs the per-connection sync protocol between clients and live documents.
package syncsession

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

const (
	defaultWriteTimeout = 10 * time.Second
	closeGracePeriod    = time.Second
)

var errMissingStore = errors.New("syncsession: document store is required")

// DocumentStore is the subset of the document store a session needs.
type DocumentStore interface {
	Subscribe(documentID documents.DocumentID, options documents.SubscriberOptions) (*documents.Subscription, error)
	Handshake(ctx context.Context, documentID documents.DocumentID, payload []byte, subscription *documents.Subscription) (documents.ApplyResult, error)
	ApplyUpdate(ctx context.Context, documentID documents.DocumentID, payload []byte, origin documents.Origin) (documents.ApplyResult, error)
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Store            DocumentStore
	Logger           *zap.Logger
	Metrics          *metrics.Collector
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	SubscriberBuffer int
}

// Manager tracks the live sessions of the process.
type Manager struct {
	store            DocumentStore
	logger           *zap.Logger
	metrics          *metrics.Collector
	pingInterval     time.Duration
	pongTimeout      time.Duration
	writeTimeout     time.Duration
	subscriberBuffer int

	sessions *xsync.MapOf[int64, *Session]
	sequence atomic.Int64
	closing  atomic.Bool
	running  sync.WaitGroup
}

// NewManager validates the configuration and constructs a manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Manager{
		store:            cfg.Store,
		logger:           logger,
		metrics:          cfg.Metrics,
		pingInterval:     cfg.PingInterval,
		pongTimeout:      cfg.PongTimeout,
		writeTimeout:     writeTimeout,
		subscriberBuffer: cfg.SubscriberBuffer,
		sessions:         xsync.NewMapOf[int64, *Session](),
	}, nil
}

// Serve runs a session on conn until either side closes it. The returned error is nil
// when the client went away on its own and a *CloseError otherwise.
func (m *Manager) Serve(ctx context.Context, conn Transport, documentID documents.DocumentID, actorID documents.ActorID) error {
	session := m.newSession(conn, documentID, actorID)

	m.running.Add(1)
	defer m.running.Done()
	m.sessions.Store(session.id, session)
	defer m.sessions.Delete(session.id)
	m.metrics.SessionOpened()
	defer m.metrics.SessionClosed()

	if m.closing.Load() {
		session.close(CloseGoingAway, reasonShutdown)
		_ = conn.Close()
		return &CloseError{Code: CloseGoingAway, Reason: reasonShutdown}
	}

	m.logger.Info("sync session opened", session.fields()...)
	err := session.run(ctx)
	m.logger.Info("sync session closed", session.fields(zap.Int("close_code", session.CloseCode()))...)
	return err
}

func (m *Manager) newSession(conn Transport, documentID documents.DocumentID, actorID documents.ActorID) *Session {
	session := &Session{
		id:           m.sequence.Add(1),
		documentID:   documentID,
		actorID:      actorID,
		conn:         conn,
		store:        m.store,
		logger:       m.logger,
		metrics:      m.metrics,
		buffer:       m.subscriberBuffer,
		pingInterval: m.pingInterval,
		pongTimeout:  m.pongTimeout,
		writeTimeout: m.writeTimeout,
		stop:         make(chan struct{}),
	}
	session.setState(StateConnecting)
	return session
}

// ActiveSessions returns the number of open sessions, optionally for one document.
func (m *Manager) ActiveSessions(documentID documents.DocumentID) int {
	count := 0
	m.sessions.Range(func(_ int64, session *Session) bool {
		if documentID == "" || session.documentID == documentID {
			count++
		}
		return true
	})
	return count
}

// Shutdown closes every session with a going-away frame and waits for them to finish
// or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closing.Store(true)
	m.sessions.Range(func(_ int64, session *Session) bool {
		session.close(CloseGoingAway, reasonShutdown)
		return true
	})
	finished := make(chan struct{})
	go func() {
		m.running.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
