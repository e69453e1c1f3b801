package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/trezcool/denim/core"
	"github.com/trezcool/denim/core/session"
)

type sessionRow struct {
	Data   []byte `db:"data"`
	Expiry int64  `db:"expiry"`
}

// SessionStore keeps sessions in the sessions table. Expiries are stored as
// unix nanoseconds so that every engine keeps them at full precision.
type SessionStore struct {
	repository
	opts session.Options
}

var _ session.Store = (*SessionStore)(nil) // interface compliance check

func NewSessionStore(db core.DBExecutor, opts ...session.Option) *SessionStore {
	return &SessionStore{
		repository: repository{db: db},
		opts:       session.ApplyOptions(opts...),
	}
}

func (s *SessionStore) Create(ctx context.Context, rec *session.Record) error {
	blob, err := session.Encode(rec.Data)
	if err != nil {
		return err
	}
	return session.InsertUnique(ctx, rec, s.opts.NewID, func(ctx context.Context, r session.Record) error {
		n, err := execAffected(
			ctx, s.db,
			"INSERT INTO sessions (id, data, expiry) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING",
			r.ID, blob, r.Expiry.UnixNano(),
		)
		if err != nil {
			return session.NewBackendError("create", err)
		}
		if n == 0 {
			return session.ErrIDTaken
		}
		return nil
	})
}

func (s *SessionStore) Save(ctx context.Context, rec session.Record) error {
	blob, err := session.Encode(rec.Data)
	if err != nil {
		return err
	}
	_, err = execContext(
		ctx, s.db,
		`INSERT INTO sessions (id, data, expiry) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data, expiry = excluded.expiry`,
		rec.ID, blob, rec.Expiry.UnixNano(),
	)
	if err != nil {
		return session.NewBackendError("save", err)
	}
	return nil
}

func (s *SessionStore) Load(ctx context.Context, id string) (session.Record, error) {
	var row sessionRow
	err := s.db.GetContext(
		ctx, &row,
		s.db.Rebind("SELECT data, expiry FROM sessions WHERE id = ? AND expiry >= ?"),
		id, s.opts.Now().UnixNano(),
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return session.Record{}, session.ErrNotFound
		}
		return session.Record{}, session.NewBackendError("load", err)
	}

	data, err := session.Decode(id, row.Data)
	if err != nil {
		return session.Record{}, err
	}
	return session.Record{ID: id, Data: data, Expiry: time.Unix(0, row.Expiry).UTC()}, nil
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if _, err := execContext(ctx, s.db, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return session.NewBackendError("delete", err)
	}
	return nil
}

func (s *SessionStore) DeleteExpired(ctx context.Context) (int64, error) {
	n, err := execAffected(ctx, s.db, "DELETE FROM sessions WHERE expiry < ?", s.opts.Now().UnixNano())
	if err != nil {
		return 0, session.NewBackendError("delete expired", err)
	}
	return n, nil
}
