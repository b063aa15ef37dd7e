package syncsession

import (
	"time"

	"github.com/gorilla/websocket"
)

// Close codes sent to sync clients.
const (
	CloseNormal           = websocket.CloseNormalClosure
	CloseGoingAway        = websocket.CloseGoingAway
	CloseProtocolError    = websocket.CloseUnsupportedData
	CloseInvalidPayload   = websocket.CloseInvalidFramePayloadData
	CloseInternalError    = websocket.CloseInternalServerErr
	CloseTryAgainLater    = websocket.CloseTryAgainLater
	CloseDocumentNotFound = 4404
	CloseDocumentDeleted  = 4410
)

// Transport is the message-oriented connection a session runs on. *websocket.Conn
// satisfies it.
type Transport interface {
	ReadMessage() (messageType int, payload []byte, err error)
	WriteMessage(messageType int, payload []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(deadline time.Time) error
	SetWriteDeadline(deadline time.Time) error
	SetPongHandler(handler func(appData string) error)
	Close() error
}

// Reject sends a close frame and tears the transport down without starting a session.
func Reject(conn Transport, code int, reason string, writeTimeout time.Duration) {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
	_ = conn.Close()
}
