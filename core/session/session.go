// Package session defines the server-side session store contract.
//
// Uniqueness of session ids is enforced by the backend at write time: Create
// inserts and, when the id is already taken, draws a new one and tries again.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

const (
	idBytes = 16

	// MaxCreateAttempts bounds the id draws of a single Create.
	MaxCreateAttempts = 8
)

var (
	// errors
	ErrNotFound     = errors.New("session not found")
	ErrIDTaken      = errors.New("session id already taken")
	ErrIDsExhausted = errors.New("could not find an unused session id")
)

// Data is the per-client state bound to a session.
type Data map[string]string

func (d Data) Get(key string) string { return d[key] }

// Record is one persisted session.
type Record struct {
	ID     string
	Data   Data
	Expiry time.Time // UTC
}

func (r Record) ExpiredAt(now time.Time) bool {
	return r.Expiry.Before(now)
}

// DecodeError means the stored blob could not be read back. The session is unusable
// and the client must re-authenticate; it is not a backend fault.
type DecodeError struct {
	ID  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding session %q: %v", e.ID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// BackendError wraps any I/O failure of the underlying store.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("session store %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func NewBackendError(op string, err error) error {
	return &BackendError{Op: op, Err: err}
}

func IsNotFound(err error) bool {
	return errors.Cause(err) == ErrNotFound
}

func IsDecode(err error) bool {
	_, ok := errors.Cause(err).(*DecodeError)
	return ok
}

func IsBackend(err error) bool {
	_, ok := errors.Cause(err).(*BackendError)
	return ok
}

// Store persists session records.
type Store interface {
	// Create assigns a fresh, never used id to rec and persists it. A record whose
	// expiry has already passed still gets an id, but backends may keep nothing for
	// it: Load of that id reports ErrNotFound either way.
	Create(ctx context.Context, rec *Record) error
	// Save inserts or overwrites the record with rec.ID.
	Save(ctx context.Context, rec Record) error
	// Load returns ErrNotFound for missing or expired records and a *DecodeError for a corrupt blob.
	Load(ctx context.Context, id string) (Record, error)
	// Delete is idempotent.
	Delete(ctx context.Context, id string) error
	// DeleteExpired removes every record whose expiry is strictly before now and returns how many.
	DeleteExpired(ctx context.Context) (int64, error)
}

// NewID returns 16 random bytes, base64url encoded without padding.
func NewID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "reading random bytes")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

type (
	Options struct {
		NewID func() (string, error)
		Now   func() time.Time
	}

	Option func(*Options)
)

// WithIDFunc replaces the id generator.
func WithIDFunc(fn func() (string, error)) Option {
	return func(o *Options) { o.NewID = fn }
}

// WithClock replaces the store clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

func ApplyOptions(opts ...Option) Options {
	o := Options{
		NewID: NewID,
		Now:   time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// InsertUnique draws ids for rec until insert accepts one. insert must return
// ErrIDTaken, and nothing else, when the id is already used.
func InsertUnique(ctx context.Context, rec *Record, newID func() (string, error), insert func(context.Context, Record) error) error {
	for attempt := 0; attempt < MaxCreateAttempts; attempt++ {
		id, err := newID()
		if err != nil {
			return NewBackendError("create", err)
		}
		candidate := *rec
		candidate.ID = id

		err = insert(ctx, candidate)
		if errors.Cause(err) == ErrIDTaken {
			continue
		}
		if err != nil {
			return err
		}
		rec.ID = id
		return nil
	}
	return NewBackendError("create", ErrIDsExhausted)
}
