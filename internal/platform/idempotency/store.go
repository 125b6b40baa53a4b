package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// DefaultTTL is how long a completed response stays replayable.
const DefaultTTL = 24 * time.Hour

// State is the outcome of reserving a key.
type State int

const (
	// StateNew means the caller owns the key and should run the request.
	StateNew State = iota
	// StateReplay means a stored response exists and must be replayed verbatim.
	StateReplay
	// StateInFlight means another request holds the key and has not finished.
	StateInFlight
)

// Record is a stored reservation. Completed records carry the response to replay.
type Record struct {
	Key         string
	Fingerprint string
	Completed   bool
	Status      int
	ContentType string
	Body        []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Reservation pairs the reservation state with the stored record.
type Reservation struct {
	State  State
	Record Record
}

// Response is the handler output kept for replays.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Store persists reservations and completed responses.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key string) error
	Purge(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrKeyReused is returned when a key is presented with a different request body or target.
var ErrKeyReused = errors.New("idempotency: key already used for a different request")

// documentID hashes the scoped key so arbitrary client input is a safe document id.
func documentID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func expired(record Record, now time.Time) bool {
	return !record.ExpiresAt.IsZero() && !now.Before(record.ExpiresAt)
}

func pendingRecord(key, fingerprint string, now time.Time, ttl time.Duration) Record {
	return Record{Key: key, Fingerprint: fingerprint, CreatedAt: now, ExpiresAt: now.Add(ttl)}
}

// decide applies the shared reservation rules to an existing record.
func decide(existing Record, found bool, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, bool, error) {
	if !found || expired(existing, now) {
		return Reservation{State: StateNew, Record: pendingRecord(key, fingerprint, now, ttl)}, true, nil
	}
	if existing.Fingerprint != fingerprint {
		return Reservation{}, false, ErrKeyReused
	}
	if existing.Completed {
		return Reservation{State: StateReplay, Record: existing}, false, nil
	}
	return Reservation{State: StateInFlight, Record: existing}, false, nil
}
