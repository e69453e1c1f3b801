// Package redisstore keeps sessions in Redis, which evicts them on expiry by itself.
package redisstore

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/trezcool/denim/core/session"
)

const (
	DefaultPrefix = "session:"
	expiryLen     = 8
)

var errShortValue = errors.New("stored value is shorter than its expiry header")

// SessionStore stores each record under prefix+id as an 8 byte big-endian
// expiry (unix nanoseconds) followed by the encoded data. Keys carry a TTL
// matching the expiry, so DeleteExpired has nothing to do.
type SessionStore struct {
	client *redis.Client
	prefix string
	opts   session.Options
}

var _ session.Store = (*SessionStore)(nil) // interface compliance check

func NewSessionStore(client *redis.Client, prefix string, opts ...session.Option) *SessionStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &SessionStore{
		client: client,
		prefix: prefix,
		opts:   session.ApplyOptions(opts...),
	}
}

func (s *SessionStore) key(id string) string {
	return s.prefix + id
}

func encodeValue(rec session.Record) ([]byte, error) {
	blob, err := session.Encode(rec.Data)
	if err != nil {
		return nil, err
	}
	val := make([]byte, expiryLen, expiryLen+len(blob))
	binary.BigEndian.PutUint64(val, uint64(rec.Expiry.UnixNano()))
	return append(val, blob...), nil
}

// ttl is the time left until expiry on the store clock. Redis treats 0 as "no expiry",
// so callers must not write a record whose ttl is not positive.
func (s *SessionStore) ttl(expiry time.Time) time.Duration {
	return expiry.Sub(s.opts.Now())
}

func (s *SessionStore) Create(ctx context.Context, rec *session.Record) error {
	val, err := encodeValue(*rec)
	if err != nil {
		return err
	}
	return session.InsertUnique(ctx, rec, s.opts.NewID, func(ctx context.Context, r session.Record) error {
		ttl := s.ttl(r.Expiry)
		if ttl <= 0 {
			// already expired: nothing to keep, but the id must still be free
			n, err := s.client.Exists(ctx, s.key(r.ID)).Result()
			if err != nil {
				return session.NewBackendError("create", err)
			}
			if n > 0 {
				return session.ErrIDTaken
			}
			return nil
		}

		ok, err := s.client.SetNX(ctx, s.key(r.ID), val, ttl).Result()
		if err != nil {
			return session.NewBackendError("create", err)
		}
		if !ok {
			return session.ErrIDTaken
		}
		return nil
	})
}

func (s *SessionStore) Save(ctx context.Context, rec session.Record) error {
	ttl := s.ttl(rec.Expiry)
	if ttl <= 0 {
		if err := s.client.Del(ctx, s.key(rec.ID)).Err(); err != nil {
			return session.NewBackendError("save", err)
		}
		return nil
	}

	val, err := encodeValue(rec)
	if err != nil {
		return err
	}
	if err = s.client.Set(ctx, s.key(rec.ID), val, ttl).Err(); err != nil {
		return session.NewBackendError("save", err)
	}
	return nil
}

func (s *SessionStore) Load(ctx context.Context, id string) (session.Record, error) {
	val, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return session.Record{}, session.ErrNotFound
		}
		return session.Record{}, session.NewBackendError("load", err)
	}
	if len(val) < expiryLen {
		return session.Record{}, &session.DecodeError{ID: id, Err: errShortValue}
	}

	expiry := time.Unix(0, int64(binary.BigEndian.Uint64(val[:expiryLen]))).UTC()
	if expiry.Before(s.opts.Now()) {
		return session.Record{}, session.ErrNotFound
	}
	data, err := session.Decode(id, val[expiryLen:])
	if err != nil {
		return session.Record{}, err
	}
	return session.Record{ID: id, Data: data, Expiry: expiry}, nil
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return session.NewBackendError("delete", err)
	}
	return nil
}

// DeleteExpired always reports 0: Redis drops expired keys on its own.
func (s *SessionStore) DeleteExpired(_ context.Context) (int64, error) {
	return 0, nil
}
