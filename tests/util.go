// Package testutil holds helpers shared by the test suites.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	"github.com/trezcool/denim/core"
	"github.com/trezcool/denim/core/perm"
	"github.com/trezcool/denim/core/user"
	"github.com/trezcool/denim/storage/database"
)

// PrepareDB opens a migrated sqlite database in a temp dir, closed when the test ends.
func PrepareDB(t *testing.T) *sqlx.DB {
	t.Helper()

	conf := core.NewTestConfig()
	conf.Database.Engine = database.EngineSQLite
	conf.Database.Name = filepath.Join(t.TempDir(), "test.db")

	db, err := database.Open(conf)
	if err != nil {
		t.Fatalf("PrepareDB() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err = database.Migrate(db, conf.Database.Engine); err != nil {
		t.Fatalf("PrepareDB() failed: %v", err)
	}
	return db
}

// CreateUser inserts a user with the given password, hashed at the minimum bcrypt cost.
func CreateUser(
	t *testing.T,
	repo user.Repository,
	firstName, surname, email, pwd string,
	role perm.Role,
	createdAt ...time.Time,
) user.User {
	t.Helper()

	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	usr, err := repo.CreateUser(context.Background(), user.User{
		FirstName:    firstName,
		Surname:      surname,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    tstamp,
		UpdatedAt:    tstamp,
	})
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	return usr
}
