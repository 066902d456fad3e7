// Package idempotency deduplicates provider webhook deliveries.
//
// A key is admitted at most once per retention window. The first admission
// records the key atomically in the shared store; every later admission of the
// same key is reported as a duplicate together with the response document the
// first delivery produced (if it finished).
//
// The gate fails closed: when the store cannot be reached Admit returns an
// error wrapping ErrUnavailable and the caller must not process the event.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// ErrUnavailable marks a store failure. Callers surface it as retryable.
var ErrUnavailable = errors.New("idempotency: store unavailable")

// ErrEmptyKey is returned for an empty key.
var ErrEmptyKey = errors.New("idempotency: key required")

// Admission is the outcome of Admit.
type Admission struct {
	First bool
	// Response is the stored response of the first delivery. Empty while the
	// first delivery is still in flight or when it produced no document.
	Response []byte
}

// Record is the stored state for one key.
type Record struct {
	Key         string
	FirstSeenAt time.Time
	ExpiresAt   time.Time
	Response    []byte
}

// Gate is the idempotency contract used by the inbound pipeline.
type Gate interface {
	// Admit records key if unseen. Safe under concurrent calls for the same key.
	Admit(ctx context.Context, key string) (Admission, error)
	// Complete attaches the response produced for an admitted key.
	Complete(ctx context.Context, key string, response []byte) error
	// Release forgets key so a provider retry is processed again. Used when
	// processing failed after admission for infrastructure reasons.
	Release(ctx context.Context, key string) error
}

// Kind is a call lifecycle transition kind used to scope gate keys.
type Kind string

const (
	KindInitiated Kind = "initiated"
	KindAnswered  Kind = "answered"
	KindEnded     Kind = "ended"
)

// TransitionKey scopes a key to (call_id, transition kind). Deliveries of the
// same transition share it regardless of which webhook carried them.
func TransitionKey(kind Kind, callID string) string {
	return "transition:" + string(kind) + ":" + strings.TrimSpace(callID)
}

// EventKey derives a key from the provider event identifier, or from a
// content hash of the raw payload when the provider did not send one.
func EventKey(eventID string, payload []byte) string {
	if id := strings.TrimSpace(eventID); id != "" {
		return "event:" + id
	}
	sum := sha256.Sum256(payload)
	return "content:" + hex.EncodeToString(sum[:])
}
