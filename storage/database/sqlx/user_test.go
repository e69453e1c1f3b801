package sqlxrepos_test

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/denim/core"
	"github.com/trezcool/denim/core/perm"
	"github.com/trezcool/denim/core/user"
	sqlxrepos "github.com/trezcool/denim/storage/database/sqlx"
	testutil "github.com/trezcool/denim/tests"
)

func TestUserRepository_CreateAndGet(t *testing.T) {
	db := testutil.PrepareDB(t)
	repo := sqlxrepos.NewUserRepository(db)
	ctx := context.Background()
	created := time.Date(2026, time.January, 5, 9, 30, 0, 0, time.UTC)

	usr := testutil.CreateUser(t, repo, "Ada", "Lovelace", "ada@school.test", "walnut_4821", perm.RoleStaff, created)
	require.NotEmpty(t, usr.ID)

	got, err := repo.GetUser(ctx, user.GetFilter{ID: usr.ID})
	require.NoError(t, err)
	assert.Equal(t, usr.Email, got.Email)
	assert.Equal(t, perm.RoleStaff, got.Role)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Nil(t, got.Student)

	got, err = repo.GetUser(ctx, user.GetFilter{Email: "ada@school.test"})
	require.NoError(t, err)
	assert.Equal(t, usr.ID, got.ID)

	for _, filter := range []user.GetFilter{{ID: "not-a-uuid"}, {ID: "6f1d3f0e-5a8e-4a57-9c43-0d0d3c7b7a11"}, {Email: "nobody@school.test"}, {}} {
		_, err = repo.GetUser(ctx, filter)
		assert.Equal(t, user.ErrNotFound, err, "%+v", filter)
	}
}

func TestUserRepository_duplicateEmailKeepsTxUsable(t *testing.T) {
	db := testutil.PrepareDB(t)
	repo := sqlxrepos.NewUserRepository(db)
	ctx := context.Background()
	testutil.CreateUser(t, repo, "Ada", "Lovelace", "ada@school.test", "pwd", perm.RoleStaff)

	err := core.RunInTx(ctx, db, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		_, err := repo.CreateUser(ctx, user.User{
			FirstName: "Ada", Surname: "Byron", Email: "ada@school.test", PasswordHash: []byte("x"),
			Role: perm.RoleStudent, CreatedAt: now, UpdatedAt: now,
		}, tx)
		assert.Equal(t, user.ErrEmailExists, err)

		_, err = repo.CreateUser(ctx, user.User{
			FirstName: "Charles", Surname: "Babbage", Email: "charles@school.test", PasswordHash: []byte("x"),
			Role: perm.RoleStudent, CreatedAt: now, UpdatedAt: now,
		}, tx)
		return err
	})
	require.NoError(t, err)

	_, err = repo.GetUser(ctx, user.GetFilter{Email: "charles@school.test"})
	assert.NoError(t, err)
}

func TestUserRepository_QueryUsers(t *testing.T) {
	db := testutil.PrepareDB(t)
	repo := sqlxrepos.NewUserRepository(db)
	ctx := context.Background()

	staff := testutil.CreateUser(t, repo, "Grace", "Hopper", "grace@school.test", "pwd", perm.RoleStaff)
	testutil.CreateUser(t, repo, "Alan", "Turing", "alan@school.test", "pwd", perm.RoleAdmin)
	house, err := repo.GetOrCreateHouse(ctx, "Curie")
	require.NoError(t, err)
	group, err := repo.GetOrCreateTutorGroup(ctx, staff.ID, house.ID)
	require.NoError(t, err)

	now := time.Now().UTC()
	student, err := repo.CreateUser(ctx, user.User{
		FirstName: "Edsger", Surname: "Dijkstra", Email: "edsger@school.test", PasswordHash: []byte("x"),
		Role: perm.RoleStudent, Student: &user.StudentInfo{TutorGroupID: group.ID, HouseID: house.ID},
		CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	emails := func(users []user.User) []string {
		res := make([]string, 0, len(users))
		for _, u := range users {
			res = append(res, u.Email)
		}
		return res
	}

	tests := []struct {
		name     string
		filter   *user.QueryFilter
		ordering []core.DBOrdering
		want     []string
	}{
		{name: "all, default order", want: []string{"edsger@school.test", "grace@school.test", "alan@school.test"}},
		{name: "search", filter: &user.QueryFilter{Search: "HOP"}, want: []string{"grace@school.test"}},
		{name: "search email", filter: &user.QueryFilter{Search: "alan@"}, want: []string{"alan@school.test"}},
		{
			name:   "roles",
			filter: &user.QueryFilter{Roles: []perm.Role{perm.RoleStaff, perm.RoleAdmin}},
			want:   []string{"grace@school.test", "alan@school.test"},
		},
		{name: "house", filter: &user.QueryFilter{HouseID: house.ID}, want: []string{"edsger@school.test"}},
		{
			name:     "ordering",
			ordering: []core.DBOrdering{{Field: "email", Ascending: true}},
			want:     []string{"alan@school.test", "edsger@school.test", "grace@school.test"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users, err := repo.QueryUsers(ctx, tt.filter, tt.ordering)
			require.NoError(t, err)
			assert.Equal(t, tt.want, emails(users))
		})
	}

	got, err := repo.GetUser(ctx, user.GetFilter{ID: student.ID})
	require.NoError(t, err)
	require.NotNil(t, got.Student)
	assert.Equal(t, group.ID, got.Student.TutorGroupID)

	_, err = repo.QueryUsers(ctx, nil, []core.DBOrdering{{Field: "password_hash; DROP TABLE users"}})
	assert.True(t, core.IsValidationError(err))
}

func TestUserRepository_GetOrCreate(t *testing.T) {
	db := testutil.PrepareDB(t)
	repo := sqlxrepos.NewUserRepository(db)
	ctx := context.Background()
	staff := testutil.CreateUser(t, repo, "Grace", "Hopper", "grace@school.test", "pwd", perm.RoleStaff)

	h1, err := repo.GetOrCreateHouse(ctx, "Curie")
	require.NoError(t, err)
	h2, err := repo.GetOrCreateHouse(ctx, "Curie")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	g1, err := repo.GetOrCreateTutorGroup(ctx, staff.ID, h1.ID)
	require.NoError(t, err)
	g2, err := repo.GetOrCreateTutorGroup(ctx, staff.ID, h1.ID)
	require.NoError(t, err)
	assert.Equal(t, g1, g2)
}

func TestUserRepository_UpdatePasswordAndDelete(t *testing.T) {
	db := testutil.PrepareDB(t)
	repo := sqlxrepos.NewUserRepository(db)
	ctx := context.Background()
	usr := testutil.CreateUser(t, repo, "Ada", "Lovelace", "ada@school.test", "pwd", perm.RoleStudent)
	other := testutil.CreateUser(t, repo, "Charles", "Babbage", "charles@school.test", "pwd", perm.RoleStudent)

	require.NoError(t, repo.UpdatePassword(ctx, usr.ID, []byte("new-hash"), false))
	got, err := repo.GetUser(ctx, user.GetFilter{ID: usr.ID})
	require.NoError(t, err)
	assert.Equal(t, []byte("new-hash"), got.PasswordHash)
	assert.False(t, got.PasswordIsDefault)

	assert.Equal(t, user.ErrNotFound, repo.UpdatePassword(ctx, "6f1d3f0e-5a8e-4a57-9c43-0d0d3c7b7a11", []byte("x"), false))

	n, err := repo.DeleteUsersByID(ctx, []string{usr.ID, other.ID, "6f1d3f0e-5a8e-4a57-9c43-0d0d3c7b7a11"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = repo.DeleteUsersByID(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUserRepository_UpdateProfile(t *testing.T) {
	db := testutil.PrepareDB(t)
	repo := sqlxrepos.NewUserRepository(db)
	ctx := context.Background()
	usr := testutil.CreateUser(t, repo, "Ada", "Lovelace", "ada@school.test", "pwd", perm.RoleStudent)
	testutil.CreateUser(t, repo, "Charles", "Babbage", "charles@school.test", "pwd", perm.RoleStaff)

	later := time.Date(2026, time.April, 1, 12, 0, 0, 0, time.UTC)
	usr.FirstName, usr.PrefName, usr.Surname, usr.Email, usr.UpdatedAt = "Augusta", "Ada", "King", "ada.king@school.test", later

	got, err := repo.UpdateProfile(ctx, usr)
	require.NoError(t, err)
	assert.Equal(t, "Augusta", got.FirstName)
	assert.Equal(t, "Ada", got.PrefName)
	assert.Equal(t, "King", got.Surname)
	assert.Equal(t, "ada.king@school.test", got.Email)
	assert.True(t, later.Equal(got.UpdatedAt))
	assert.Equal(t, usr.PasswordHash, got.PasswordHash)

	// keeping one's own email is fine
	_, err = repo.UpdateProfile(ctx, usr)
	require.NoError(t, err)

	usr.Email = "charles@school.test"
	_, err = repo.UpdateProfile(ctx, usr)
	assert.Equal(t, user.ErrEmailExists, err)

	usr.ID = "6f1d3f0e-5a8e-4a57-9c43-0d0d3c7b7a11"
	usr.Email = "ghost@school.test"
	_, err = repo.UpdateProfile(ctx, usr)
	assert.Equal(t, user.ErrNotFound, err)
}
