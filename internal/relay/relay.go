// Package relay fans accepted document deltas out to the other processes serving the
// same documents.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DefaultChannelPrefix namespaces relay channels.
const DefaultChannelPrefix = "atelier:documents:"

var (
	errMissingClient   = errors.New("relay: redis client is required")
	errMissingHandler  = errors.New("relay: update handler is required")
	errInvalidEnvelope = errors.New("relay: invalid envelope")
)

// Handler imports a delta received from another process.
type Handler func(ctx context.Context, documentID string, update []byte)

// Relay publishes local deltas and delivers remote ones.
type Relay interface {
	Publish(ctx context.Context, documentID string, update []byte) error
	Run(ctx context.Context, handler Handler) error
	Close() error
}

// envelope is the wire form of a relayed delta. Update is base64 in JSON.
type envelope struct {
	Origin     string `json:"origin"`
	DocumentID string `json:"documentId"`
	Update     []byte `json:"update"`
}

func encodeEnvelope(message envelope) ([]byte, error) {
	return json.Marshal(message)
}

func decodeEnvelope(payload []byte) (envelope, error) {
	var message envelope
	if err := json.Unmarshal(payload, &message); err != nil {
		return envelope{}, fmt.Errorf("%w: %v", errInvalidEnvelope, err)
	}
	if strings.TrimSpace(message.Origin) == "" || strings.TrimSpace(message.DocumentID) == "" || len(message.Update) == 0 {
		return envelope{}, errInvalidEnvelope
	}
	return message, nil
}

// NopRelay is used when no relay backend is configured.
type NopRelay struct{}

// Publish discards the update.
func (NopRelay) Publish(context.Context, string, []byte) error {
	return nil
}

// Run blocks until ctx is done.
func (NopRelay) Run(ctx context.Context, _ Handler) error {
	<-ctx.Done()
	return nil
}

// Close is a no-op.
func (NopRelay) Close() error {
	return nil
}
