package sqlxrepos

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/denim/core"
	"github.com/trezcool/denim/core/perm"
	"github.com/trezcool/denim/core/user"
)

const userColumns = `id, first_name, pref_name, surname, email, password_hash, password_is_default,
	role, tutor_group_id, house_id, created_at, updated_at`

// orderable user columns
var userOrderings = map[string]bool{
	"first_name": true,
	"surname":    true,
	"email":      true,
	"role":       true,
	"created_at": true,
}

type userRow struct {
	ID                string         `db:"id"`
	FirstName         string         `db:"first_name"`
	PrefName          string         `db:"pref_name"`
	Surname           string         `db:"surname"`
	Email             string         `db:"email"`
	PasswordHash      []byte         `db:"password_hash"`
	PasswordIsDefault bool           `db:"password_is_default"`
	Role              string         `db:"role"`
	TutorGroupID      sql.NullString `db:"tutor_group_id"`
	HouseID           sql.NullString `db:"house_id"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (row userRow) toUser() (user.User, error) {
	role, err := perm.ParseRole(row.Role)
	if err != nil {
		return user.User{}, errors.Wrapf(err, "user %s", row.ID)
	}
	usr := user.User{
		ID:                row.ID,
		FirstName:         row.FirstName,
		PrefName:          row.PrefName,
		Surname:           row.Surname,
		Email:             row.Email,
		PasswordHash:      row.PasswordHash,
		PasswordIsDefault: row.PasswordIsDefault,
		Role:              role,
		CreatedAt:         row.CreatedAt.UTC(),
		UpdatedAt:         row.UpdatedAt.UTC(),
	}
	if row.TutorGroupID.Valid || row.HouseID.Valid {
		usr.Student = &user.StudentInfo{TutorGroupID: row.TutorGroupID.String, HouseID: row.HouseID.String}
	}
	return usr, nil
}

type userRepository struct {
	repository
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(db core.DBExecutor) user.Repository {
	return &userRepository{repository{db: db}}
}

func (repo *userRepository) CreateUser(ctx context.Context, usr user.User, exec ...core.DBExecutor) (user.User, error) {
	db := repo.getExec(exec)
	usr.ID = uuid.NewString()

	var tutorGroupID, houseID sql.NullString
	if usr.Student != nil {
		tutorGroupID = nullString(usr.Student.TutorGroupID)
		houseID = nullString(usr.Student.HouseID)
	}

	n, err := execAffected(
		ctx, db,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (email) DO NOTHING`,
		usr.ID, usr.FirstName, usr.PrefName, usr.Surname, usr.Email, usr.PasswordHash, usr.PasswordIsDefault,
		usr.Role.String(), tutorGroupID, houseID, usr.CreatedAt.UTC(), usr.UpdatedAt.UTC(),
	)
	if err != nil {
		return user.User{}, errors.Wrap(err, "inserting user")
	}
	if n == 0 {
		return user.User{}, user.ErrEmailExists
	}
	return usr, nil
}

func (repo *userRepository) GetUser(ctx context.Context, filter user.GetFilter, exec ...core.DBExecutor) (user.User, error) {
	db := repo.getExec(exec)

	var (
		where string
		arg   string
	)
	switch {
	case filter.ID != "":
		if _, err := uuid.Parse(filter.ID); err != nil {
			return user.User{}, user.ErrNotFound
		}
		where, arg = "id = ?", filter.ID
	case filter.Email != "":
		where, arg = "email = ?", filter.Email
	default:
		return user.User{}, user.ErrNotFound
	}

	var row userRow
	if err := db.GetContext(ctx, &row, db.Rebind("SELECT "+userColumns+" FROM users WHERE "+where), arg); err != nil {
		if err == sql.ErrNoRows {
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, errors.Wrap(err, "selecting user")
	}
	return row.toUser()
}

func (repo *userRepository) QueryUsers(ctx context.Context, filter *user.QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]user.User, error) {
	db := repo.getExec(exec)

	var (
		conds []string
		args  []interface{}
	)
	if filter != nil {
		if filter.Search != "" {
			pattern := "%" + strings.ToLower(filter.Search) + "%"
			conds = append(conds, "(LOWER(first_name) LIKE ? OR LOWER(pref_name) LIKE ? OR LOWER(surname) LIKE ? OR email LIKE ?)")
			args = append(args, pattern, pattern, pattern, pattern)
		}
		if len(filter.Roles) > 0 {
			roles := make([]string, 0, len(filter.Roles))
			for _, r := range filter.Roles {
				roles = append(roles, r.String())
			}
			conds = append(conds, "role IN (?)")
			args = append(args, roles)
		}
		if filter.HouseID != "" {
			conds = append(conds, "house_id = ?")
			args = append(args, filter.HouseID)
		}
	}

	query := "SELECT " + userColumns + " FROM users"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	orderBy := make([]string, 0, len(ordering))
	for _, ord := range ordering {
		if !userOrderings[ord.Field] {
			return nil, core.NewValidationError(nil, core.FieldError{Field: "ordering", Error: "cannot order by " + ord.Field})
		}
		orderBy = append(orderBy, ord.String())
	}
	if len(orderBy) == 0 {
		orderBy = []string{"surname ASC", "first_name ASC"}
	}
	query += " ORDER BY " + strings.Join(orderBy, ", ")

	query, args, err := inQuery(db, query, args...)
	if err != nil {
		return nil, err
	}

	var rows []userRow
	if err = db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "selecting users")
	}
	users := make([]user.User, 0, len(rows))
	for _, row := range rows {
		usr, err := row.toUser()
		if err != nil {
			return nil, err
		}
		users = append(users, usr)
	}
	return users, nil
}

func (repo *userRepository) UpdatePassword(ctx context.Context, id string, hash []byte, isDefault bool, exec ...core.DBExecutor) error {
	n, err := execAffected(
		ctx, repo.getExec(exec),
		"UPDATE users SET password_hash = ?, password_is_default = ?, updated_at = ? WHERE id = ?",
		hash, isDefault, time.Now().UTC(), id,
	)
	if err != nil {
		return errors.Wrap(err, "updating password")
	}
	if n == 0 {
		return user.ErrNotFound
	}
	return nil
}

// UpdateProfile refuses an email held by another user rather than failing on the unique index,
// so a surrounding transaction stays usable.
func (repo *userRepository) UpdateProfile(ctx context.Context, usr user.User, exec ...core.DBExecutor) (user.User, error) {
	db := repo.getExec(exec)
	n, err := execAffected(
		ctx, db,
		`UPDATE users SET first_name = ?, pref_name = ?, surname = ?, email = ?, updated_at = ?
		WHERE id = ? AND NOT EXISTS (SELECT 1 FROM users other WHERE other.email = ? AND other.id <> ?)`,
		usr.FirstName, usr.PrefName, usr.Surname, usr.Email, usr.UpdatedAt.UTC(),
		usr.ID, usr.Email, usr.ID,
	)
	if err != nil {
		return user.User{}, errors.Wrap(err, "updating profile")
	}
	if n == 0 {
		if _, err = repo.GetUser(ctx, user.GetFilter{ID: usr.ID}, db); err != nil {
			return user.User{}, err
		}
		return user.User{}, user.ErrEmailExists
	}
	return repo.GetUser(ctx, user.GetFilter{ID: usr.ID}, db)
}

func (repo *userRepository) DeleteUsersByID(ctx context.Context, ids []string, exec ...core.DBExecutor) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	db := repo.getExec(exec)
	query, args, err := inQuery(db, "DELETE FROM users WHERE id IN (?)", ids)
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "deleting users")
	}
	return res.RowsAffected()
}

func (repo *userRepository) GetOrCreateHouse(ctx context.Context, name string, exec ...core.DBExecutor) (user.House, error) {
	db := repo.getExec(exec)
	if _, err := execContext(
		ctx, db,
		"INSERT INTO houses (id, name) VALUES (?, ?) ON CONFLICT (name) DO NOTHING",
		uuid.NewString(), name,
	); err != nil {
		return user.House{}, errors.Wrap(err, "inserting house")
	}

	var house user.House
	if err := db.GetContext(ctx, &house, db.Rebind("SELECT id, name FROM houses WHERE name = ?"), name); err != nil {
		return user.House{}, errors.Wrap(err, "selecting house")
	}
	return house, nil
}

func (repo *userRepository) GetOrCreateTutorGroup(ctx context.Context, staffID, houseID string, exec ...core.DBExecutor) (user.TutorGroup, error) {
	db := repo.getExec(exec)
	if _, err := execContext(
		ctx, db,
		"INSERT INTO tutor_groups (id, staff_id, house_id) VALUES (?, ?, ?) ON CONFLICT (staff_id, house_id) DO NOTHING",
		uuid.NewString(), staffID, houseID,
	); err != nil {
		return user.TutorGroup{}, errors.Wrap(err, "inserting tutor group")
	}

	var group user.TutorGroup
	err := db.GetContext(
		ctx, &group,
		db.Rebind("SELECT id, staff_id, house_id FROM tutor_groups WHERE staff_id = ? AND house_id = ?"),
		staffID, houseID,
	)
	if err != nil {
		return user.TutorGroup{}, errors.Wrap(err, "selecting tutor group")
	}
	return group, nil
}
