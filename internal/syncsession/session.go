package syncsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the lifecycle position of a session.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingFirstMessage
	StateSynchronized
	StateClosing
)

func (state State) String() string {
	switch state {
	case StateConnecting:
		return "connecting"
	case StateAwaitingFirstMessage:
		return "awaiting_first_message"
	case StateSynchronized:
		return "synchronized"
	default:
		return "closing"
	}
}

const (
	reasonDocumentNotFound = "document not found"
	reasonDocumentDeleted  = "document deleted"
	reasonTextFrame        = "sync protocol error: text frames are not supported"
	reasonInvalidPayload   = "invalid update payload"
	reasonLagging          = "subscriber lagging"
	reasonShutdown         = "server shutting down"
	reasonInternal         = "internal error"
)

// CloseError reports the close frame a session ended with.
type CloseError struct {
	Code   int
	Reason string
	err    error
}

func (e *CloseError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("sync session closed with %d: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("sync session closed with %d: %s: %v", e.Code, e.Reason, e.err)
}

func (e *CloseError) Unwrap() error {
	return e.err
}

// Session bridges one client connection and one live document.
type Session struct {
	id           int64
	documentID   documents.DocumentID
	actorID      documents.ActorID
	conn         Transport
	store        DocumentStore
	logger       *zap.Logger
	metrics      *metrics.Collector
	buffer       int
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	state        atomic.Int32
	subscription *documents.Subscription
	stop         chan struct{}
	closeOnce    sync.Once
	closeCode    atomic.Int32
}

// ID returns the process-unique session id.
func (s *Session) ID() int64 {
	return s.id
}

// DocumentID returns the document the session is bound to.
func (s *Session) DocumentID() documents.DocumentID {
	return s.documentID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// CloseCode returns the close code sent to the client, or zero while open.
func (s *Session) CloseCode() int {
	return int(s.closeCode.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// advance moves the session forward only from the expected state, so a concurrent close
// is never overwritten.
func (s *Session) advance(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *Session) run(ctx context.Context) error {
	subscription, err := s.store.Subscribe(s.documentID, documents.SubscriberOptions{Buffer: s.buffer})
	if err != nil {
		closeErr := &CloseError{Code: CloseInternalError, Reason: reasonInternal, err: err}
		if errors.Is(err, documents.ErrNotFound) {
			closeErr = &CloseError{Code: CloseDocumentNotFound, Reason: reasonDocumentNotFound, err: err}
		}
		s.close(closeErr.Code, closeErr.Reason)
		s.drain()
		_ = s.conn.Close()
		return closeErr
	}
	s.subscription = subscription
	defer subscription.Close()
	if !s.advance(StateConnecting, StateAwaitingFirstMessage) {
		s.drain()
		_ = s.conn.Close()
		return &CloseError{Code: s.CloseCode(), Reason: reasonShutdown}
	}
	s.configureKeepalive()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()
	go func() {
		select {
		case <-ctx.Done():
			s.close(CloseGoingAway, reasonShutdown)
		case <-s.stop:
		}
	}()

	readErr := s.readLoop(ctx)
	var closeErr *CloseError
	if errors.As(readErr, &closeErr) {
		s.close(closeErr.Code, closeErr.Reason)
	} else {
		s.close(CloseNormal, "")
	}
	s.drain()
	_ = s.conn.Close()
	<-writerDone
	return readErr
}

func (s *Session) configureKeepalive() {
	if s.pongTimeout <= 0 {
		return
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		if s.State() == StateClosing {
			return nil
		}
		return s.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	})
}

// readLoop returns nil when the peer goes away and a *CloseError when the session must
// close with a specific code.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			if s.State() != StateClosing && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("sync session read ended", s.fields(zap.Error(err))...)
			}
			return nil
		}
		if s.State() == StateClosing {
			return nil
		}
		if s.pongTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		}
		switch messageType {
		case websocket.BinaryMessage:
			if err := s.handleBinary(ctx, payload); err != nil {
				return err
			}
		case websocket.TextMessage:
			s.metrics.SyncMessage(metrics.ResultRejected)
			return &CloseError{Code: CloseProtocolError, Reason: reasonTextFrame, err: documents.ErrSyncProtocol}
		}
	}
}

func (s *Session) handleBinary(ctx context.Context, payload []byte) error {
	var (
		result documents.ApplyResult
		err    error
	)
	if s.State() == StateAwaitingFirstMessage {
		result, err = s.store.Handshake(ctx, s.documentID, payload, s.subscription)
		if err == nil || errors.Is(err, documents.ErrStorageFailure) {
			s.advance(StateAwaitingFirstMessage, StateSynchronized)
		}
	} else {
		result, err = s.store.ApplyUpdate(ctx, s.documentID, payload, s.subscription.Origin())
	}

	switch {
	case err == nil:
		if result.Changed {
			s.metrics.SyncMessage(metrics.ResultAccepted)
		} else {
			s.metrics.SyncMessage(metrics.ResultUnchanged)
		}
		return nil
	case errors.Is(err, documents.ErrStorageFailure):
		s.metrics.SyncMessage(metrics.ResultFailed)
		s.logger.Warn("sync update merged but not persisted", s.fields(zap.Error(err))...)
		return nil
	case errors.Is(err, documents.ErrInvalidOperation):
		s.metrics.SyncMessage(metrics.ResultRejected)
		return &CloseError{Code: CloseInvalidPayload, Reason: reasonInvalidPayload, err: err}
	case errors.Is(err, documents.ErrNotFound):
		s.metrics.SyncMessage(metrics.ResultRejected)
		return &CloseError{Code: CloseDocumentDeleted, Reason: reasonDocumentDeleted, err: err}
	default:
		s.metrics.SyncMessage(metrics.ResultFailed)
		return &CloseError{Code: CloseInternalError, Reason: reasonInternal, err: err}
	}
}

func (s *Session) writeLoop() {
	var pings <-chan time.Time
	if s.pingInterval > 0 {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}
	for {
		select {
		case <-s.stop:
			return
		case payload := <-s.subscription.Updates():
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				s.logger.Debug("sync session write failed", s.fields(zap.Error(err))...)
				s.close(CloseInternalError, reasonInternal)
				return
			}
		case <-s.subscription.Done():
			switch s.subscription.Reason() {
			case documents.ReasonLagging:
				s.close(CloseTryAgainLater, reasonLagging)
			case documents.ReasonDeleted:
				s.close(CloseDocumentDeleted, reasonDocumentDeleted)
			}
			return
		case <-pings:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				s.logger.Debug("sync session ping failed", s.fields(zap.Error(err))...)
				s.close(CloseGoingAway, reasonInternal)
				return
			}
		}
	}
}

// close sends the close frame once and bounds how long the peer has to answer it.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.closeCode.Store(int32(code))
		close(s.stop)
		deadline := time.Now().Add(s.writeTimeout)
		if err := s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
			s.logger.Debug("sync session close frame failed", s.fields(zap.Error(err))...)
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(closeGracePeriod))
	})
}

// drain waits for the peer's close reply so the close frame is not lost to a reset.
func (s *Session) drain() {
	_ = s.conn.SetReadDeadline(time.Now().Add(closeGracePeriod))
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Session) fields(extra ...zap.Field) []zap.Field {
	fields := []zap.Field{
		zap.Int64("session_id", s.id),
		zap.String("document_id", s.documentID.String()),
		zap.String("actor_id", s.actorID.String()),
	}
	return append(fields, extra...)
}
