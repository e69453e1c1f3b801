// Package sqlxrepos implements the app repositories on top of sqlx.
// Queries are written with ? placeholders and rebound per driver, so they run on postgres and sqlite alike.
package sqlxrepos

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/denim/core"
)

type repository struct {
	db core.DBExecutor
}

func (repo repository) getExec(exec []core.DBExecutor) core.DBExecutor {
	if len(exec) > 0 && exec[0] != nil {
		return exec[0]
	}
	return repo.db
}

func execContext(ctx context.Context, db core.DBExecutor, query string, args ...interface{}) (sql.Result, error) {
	return db.ExecContext(ctx, db.Rebind(query), args...)
}

func execAffected(ctx context.Context, db core.DBExecutor, query string, args ...interface{}) (int64, error) {
	res, err := execContext(ctx, db, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// inQuery expands the slice args of query and rebinds it.
func inQuery(db core.DBExecutor, query string, args ...interface{}) (string, []interface{}, error) {
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, errors.Wrap(err, "expanding query")
	}
	return db.Rebind(query), args, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
