package user

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/denim/core"
	"github.com/trezcool/denim/core/perm"
)

var (
	// errors
	ErrNotFound           = errors.New("user not found")
	ErrEmailExists        = errors.New("a user with this email already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	errProfileUnchanged   = errors.New("nothing to change")

	nowFunc = time.Now // mockable
)

type (
	Repository interface {
		// CreateUser returns ErrEmailExists when the email is taken, without failing the surrounding transaction.
		CreateUser(ctx context.Context, usr User, exec ...core.DBExecutor) (User, error)
		GetUser(ctx context.Context, filter GetFilter, exec ...core.DBExecutor) (User, error)
		// QueryUsers applies AND operation on available QueryFilter fields.
		// QueryFilter.Search does a case-insensitive match on one of the names or the email.
		QueryUsers(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]User, error)
		UpdatePassword(ctx context.Context, id string, hash []byte, isDefault bool, exec ...core.DBExecutor) error
		// UpdateProfile saves the names & email of usr. It returns ErrEmailExists when another user holds the email.
		UpdateProfile(ctx context.Context, usr User, exec ...core.DBExecutor) (User, error)
		DeleteUsersByID(ctx context.Context, ids []string, exec ...core.DBExecutor) (int64, error)
		GetOrCreateHouse(ctx context.Context, name string, exec ...core.DBExecutor) (House, error)
		GetOrCreateTutorGroup(ctx context.Context, staffID, houseID string, exec ...core.DBExecutor) (TutorGroup, error)
	}

	Service struct {
		repo      Repository
		hasher    *Hasher
		passwords *PasswordGenerator
		conf      *core.Config
		logger    core.Logger

		dummyOnce sync.Once
		dummyHash []byte
	}
)

func NewService(repo Repository, hasher *Hasher, passwords *PasswordGenerator, conf *core.Config, logger core.Logger) *Service {
	return &Service{
		repo:      repo,
		hasher:    hasher,
		passwords: passwords,
		conf:      conf,
		logger:    logger,
	}
}

// Authenticate returns ErrInvalidCredentials for an unknown email or a wrong password alike.
func (svc *Service) Authenticate(ctx context.Context, email, pwd string) (User, error) {
	usr, err := svc.GetByEmail(ctx, email)
	if err != nil {
		if errors.Cause(err) != ErrNotFound {
			return User{}, errors.Wrap(err, "finding user by email")
		}
		// burn the same time as a real comparison. The hash outlives this request, so it must not use its ctx.
		svc.dummyOnce.Do(func() {
			svc.dummyHash, _ = svc.hasher.Hash(context.Background(), uuid.NewString())
		})
		_ = svc.hasher.Compare(ctx, svc.dummyHash, pwd)
		return User{}, ErrInvalidCredentials
	}
	if err = svc.hasher.Compare(ctx, usr.PasswordHash, pwd); err != nil {
		return User{}, err
	}
	return usr, nil
}

func (svc *Service) GetByID(ctx context.Context, id string) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{ID: id})
}

func (svc *Service) GetByEmail(ctx context.Context, email string) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{Email: core.CleanString(email, true /* lower */)})
}

// Create hashes the password (generating a default one when empty) and inserts the user.
// It returns the plain default password, if one was generated.
func (svc *Service) Create(ctx context.Context, nu NewUser, exec ...core.DBExecutor) (User, string, error) {
	var defaultPwd string
	pwd := nu.Password
	if pwd == "" {
		var err error
		if defaultPwd, err = svc.passwords.Generate(); err != nil {
			return User{}, "", errors.Wrap(err, "generating default password")
		}
		pwd = defaultPwd
	}

	hash, err := svc.hasher.Hash(ctx, pwd)
	if err != nil {
		return User{}, "", err
	}

	now := nowFunc().UTC()
	usr := User{
		FirstName:         nu.FirstName,
		PrefName:          nu.PrefName,
		Surname:           nu.Surname,
		Email:             nu.Email,
		PasswordHash:      hash,
		PasswordIsDefault: defaultPwd != "",
		Role:              nu.Role,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if nu.Role == perm.RoleStudent {
		usr.Student = nu.Student
	}

	usr, err = svc.repo.CreateUser(ctx, usr, exec...)
	if err != nil {
		if errors.Cause(err) == ErrEmailExists {
			return User{}, "", core.NewValidationError(err, core.FieldError{Field: "email", Error: err.Error()})
		}
		return User{}, "", errors.Wrap(err, "creating user")
	}
	return usr, defaultPwd, nil
}

// ChangePassword replaces the password of usr after checking the current one.
func (svc *Service) ChangePassword(ctx context.Context, usr User, cp ChangePassword) error {
	if err := svc.hasher.Compare(ctx, usr.PasswordHash, cp.Current); err != nil {
		if err == ErrInvalidCredentials {
			return core.NewValidationError(err, core.FieldError{Field: "current", Error: "incorrect password"})
		}
		return err
	}
	return svc.SetPassword(ctx, usr.ID, cp.Password, false)
}

func (svc *Service) SetPassword(ctx context.Context, id, pwd string, isDefault bool) error {
	hash, err := svc.hasher.Hash(ctx, pwd)
	if err != nil {
		return err
	}
	return svc.repo.UpdatePassword(ctx, id, hash, isDefault)
}

// UpdateProfile replaces the names & email of target on behalf of editor.
// It takes CRUD_USERS, plus CRUD_ADMINS when target is another admin.
func (svc *Service) UpdateProfile(ctx context.Context, editor *User, target User, pu ProfileUpdate) (User, error) {
	needed := perm.CrudUsers
	if target.IsAdmin() && editor.ID != target.ID {
		needed |= perm.CrudAdmins
	}
	if err := perm.EnsureCan(editor, needed); err != nil {
		return User{}, err
	}
	if pu.unchanged(target) {
		return User{}, core.NewValidationError(errProfileUnchanged)
	}

	target.FirstName = pu.FirstName
	target.PrefName = pu.PrefName
	target.Surname = pu.Surname
	target.Email = pu.Email
	target.UpdatedAt = nowFunc().UTC()

	usr, err := svc.repo.UpdateProfile(ctx, target)
	if err != nil {
		switch errors.Cause(err) {
		case ErrEmailExists:
			return User{}, core.NewValidationError(err, core.FieldError{Field: "email", Error: err.Error()})
		case ErrNotFound:
			return User{}, err
		}
		return User{}, errors.Wrap(err, "updating profile")
	}
	return usr, nil
}

func (svc *Service) Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]User, error) {
	return svc.repo.QueryUsers(ctx, filter, ordering)
}

func (svc *Service) Delete(ctx context.Context, ids ...string) (int64, error) {
	return svc.repo.DeleteUsersByID(ctx, ids)
}

// EnsureAdminExists creates the bootstrap admin when there is no admin at all.
// It returns the password of the created admin, or "" when nothing was done.
func (svc *Service) EnsureAdminExists(ctx context.Context) (string, error) {
	admins, err := svc.repo.QueryUsers(ctx, &QueryFilter{Roles: []perm.Role{perm.RoleAdmin}}, nil)
	if err != nil {
		return "", errors.Wrap(err, "querying admins")
	}
	if len(admins) > 0 {
		return "", nil
	}

	pwd := svc.conf.Auth.AdminDefault
	if pwd == "" {
		if pwd, err = svc.passwords.Generate(); err != nil {
			return "", errors.Wrap(err, "generating admin password")
		}
	}
	hash, err := svc.hasher.Hash(ctx, pwd)
	if err != nil {
		return "", err
	}

	now := nowFunc().UTC()
	_, err = svc.repo.CreateUser(ctx, User{
		FirstName:         "Admin",
		Surname:           "Account",
		Email:             core.CleanString(svc.conf.Auth.AdminEmail, true /* lower */),
		PasswordHash:      hash,
		PasswordIsDefault: true,
		Role:              perm.RoleAdmin,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return "", errors.Wrap(err, "creating admin")
	}
	svc.logger.Info(fmt.Sprintf("created admin %s; change the default password on first login", svc.conf.Auth.AdminEmail))
	return pwd, nil
}
