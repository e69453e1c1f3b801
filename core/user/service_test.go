package user

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/trezcool/denim/core"
	"github.com/trezcool/denim/core/perm"
)

// memRepo keeps users in a map; calls it does not override panic on the nil Repository.
type memRepo struct {
	Repository
	users map[string]User
}

func newMemRepo(users ...User) *memRepo {
	repo := &memRepo{users: make(map[string]User)}
	for _, usr := range users {
		repo.users[usr.ID] = usr
	}
	return repo
}

func (r *memRepo) GetUser(_ context.Context, filter GetFilter, _ ...core.DBExecutor) (User, error) {
	for _, usr := range r.users {
		if (filter.ID != "" && usr.ID == filter.ID) || (filter.Email != "" && usr.Email == filter.Email) {
			return usr, nil
		}
	}
	return User{}, ErrNotFound
}

func (r *memRepo) UpdateProfile(_ context.Context, usr User, _ ...core.DBExecutor) (User, error) {
	if _, ok := r.users[usr.ID]; !ok {
		return User{}, ErrNotFound
	}
	for _, other := range r.users {
		if other.ID != usr.ID && other.Email == usr.Email {
			return User{}, ErrEmailExists
		}
	}
	r.users[usr.ID] = usr
	return usr, nil
}

func newTestService(repo Repository) *Service {
	return NewService(repo, NewHasher(1, bcrypt.MinCost), nil, core.NewTestConfig(), nil)
}

func TestService_Authenticate_unknownEmailWithCancelledContext(t *testing.T) {
	svc := newTestService(newMemRepo())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Authenticate(ctx, "nobody@school.test", "pwd")
	assert.Equal(t, ErrInvalidCredentials, err)

	// the dummy hash survives the cancelled request, so later unknown emails still pay for a comparison
	require.NotNil(t, svc.dummyHash)
	_, err = bcrypt.Cost(svc.dummyHash)
	assert.NoError(t, err)

	_, err = svc.Authenticate(context.Background(), "nobody@school.test", "pwd")
	assert.Equal(t, ErrInvalidCredentials, err)
}

func TestService_UpdateProfile(t *testing.T) {
	admin := User{ID: "a1", FirstName: "Root", Surname: "Admin", Email: "root@school.test", Role: perm.RoleAdmin}
	admin2 := User{ID: "a2", FirstName: "Other", Surname: "Admin", Email: "other@school.test", Role: perm.RoleAdmin}
	staff := User{ID: "s1", FirstName: "Grace", Surname: "Hopper", Email: "grace@school.test", Role: perm.RoleStaff}
	student := User{ID: "p1", FirstName: "Ada", Surname: "Lovelace", Email: "ada@school.test", Role: perm.RoleStudent}

	rename := func(usr User) ProfileUpdate {
		return ProfileUpdate{FirstName: usr.FirstName, PrefName: "Nick", Surname: usr.Surname, Email: usr.Email}
	}

	tests := []struct {
		name    string
		editor  User
		target  User
		update  ProfileUpdate
		wantErr func(t *testing.T, err error)
	}{
		{
			name:   "student cannot edit their own profile",
			editor: student, target: student, update: rename(student),
			wantErr: func(t *testing.T, err error) {
				dErr, ok := errors.Cause(err).(*perm.DeniedError)
				require.True(t, ok, "got %v", err)
				assert.Equal(t, perm.CrudUsers, dErr.Needed)
			},
		},
		{
			name:   "staff cannot edit an admin",
			editor: staff, target: admin, update: rename(admin),
			wantErr: func(t *testing.T, err error) {
				dErr, ok := errors.Cause(err).(*perm.DeniedError)
				require.True(t, ok, "got %v", err)
				assert.Equal(t, perm.CrudUsers|perm.CrudAdmins, dErr.Needed)
			},
		},
		{
			name:   "nothing changed",
			editor: staff, target: student,
			update: ProfileUpdate{FirstName: "Ada", Surname: "Lovelace", Email: "ada@school.test"},
			wantErr: func(t *testing.T, err error) {
				vErr, ok := errors.Cause(err).(*core.ValidationError)
				require.True(t, ok, "got %v", err)
				assert.Equal(t, errProfileUnchanged.Error(), vErr.Error())
			},
		},
		{
			name:   "email taken",
			editor: staff, target: student,
			update: ProfileUpdate{FirstName: "Ada", Surname: "Lovelace", Email: "grace@school.test"},
			wantErr: func(t *testing.T, err error) {
				vErr, ok := errors.Cause(err).(*core.ValidationError)
				require.True(t, ok, "got %v", err)
				require.Len(t, vErr.Fields, 1)
				assert.Equal(t, core.FieldError{Field: "email", Error: ErrEmailExists.Error()}, vErr.Fields[0])
			},
		},
		{
			name:   "target gone",
			editor: staff, target: User{ID: "gone", Role: perm.RoleStudent}, update: rename(student),
			wantErr: func(t *testing.T, err error) {
				assert.Equal(t, ErrNotFound, err)
			},
		},
		{name: "staff edits a student", editor: staff, target: student, update: rename(student)},
		{name: "staff edits themselves", editor: staff, target: staff, update: rename(staff)},
		{name: "admin edits another admin", editor: admin, target: admin2, update: rename(admin2)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := newTestService(newMemRepo(admin, admin2, staff, student))
			editor := tc.editor

			got, err := svc.UpdateProfile(context.Background(), &editor, tc.target, tc.update)
			if tc.wantErr != nil {
				require.Error(t, err)
				tc.wantErr(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.target.ID, got.ID)
			assert.Equal(t, "Nick", got.PrefName)
			assert.Equal(t, tc.target.Role, got.Role)
			assert.False(t, got.UpdatedAt.IsZero())
		})
	}
}
