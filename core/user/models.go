package user

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/denim/core"
	"github.com/trezcool/denim/core/perm"
)

// StudentInfo is the data only students carry.
type StudentInfo struct {
	TutorGroupID string `json:"tutor_group_id"`
	HouseID      string `json:"house_id"`
}

type User struct {
	ID                string       `json:"id"`
	FirstName         string       `json:"first_name"`
	PrefName          string       `json:"pref_name,omitempty"`
	Surname           string       `json:"surname"`
	Email             string       `json:"email"`
	PasswordHash      []byte       `json:"-"`
	PasswordIsDefault bool         `json:"password_is_default"`
	Role              perm.Role    `json:"role"`
	Student           *StudentInfo `json:"student,omitempty"`
	CreatedAt         time.Time    `json:"created_at"` // UTC
	UpdatedAt         time.Time    `json:"updated_at"` // UTC
}

var _ perm.Principal = (*User)(nil)

// AccessRole makes a loaded User a perm.Principal. A nil User holds no role.
func (u *User) AccessRole() perm.Role {
	if u == nil {
		return 0
	}
	return u.Role
}

// LogIdentity identifies the user in error reports.
func (u *User) LogIdentity() (id, username, email string) {
	return u.ID, u.DisplayName(), u.Email
}

func (u *User) DisplayName() string {
	if u.PrefName != "" {
		return u.PrefName + " " + u.Surname
	}
	return u.FirstName + " " + u.Surname
}

func (u *User) IsAdmin() bool   { return u.Role == perm.RoleAdmin }
func (u *User) IsStaff() bool   { return u.Role == perm.RoleStaff }
func (u *User) IsStudent() bool { return u.Role == perm.RoleStudent }

type House struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

// TutorGroup is a form group, identified by its staff tutor and house.
type TutorGroup struct {
	ID      string `json:"id" db:"id"`
	StaffID string `json:"staff_id" db:"staff_id"`
	HouseID string `json:"house_id" db:"house_id"`
}

// NewUser contains information needed to create a new User.
// An empty Password means a default password is generated.
type NewUser struct {
	FirstName string       `json:"first_name" validate:"required"`
	PrefName  string       `json:"pref_name"`
	Surname   string       `json:"surname" validate:"required"`
	Email     string       `json:"email" validate:"required,email"`
	Password  string       `json:"password"`
	Role      perm.Role    `json:"role" validate:"required,role"`
	Student   *StudentInfo `json:"student"`
}

func (nu *NewUser) Clean() {
	nu.FirstName = core.CleanString(nu.FirstName)
	nu.PrefName = core.CleanString(nu.PrefName)
	nu.Surname = core.CleanString(nu.Surname)
	nu.Email = core.CleanString(nu.Email, true /* lower */)
}

func (nu *NewUser) Validate(validate *validator.Validate) error {
	nu.Clean()
	return validate.Struct(nu)
}

// ChangePassword replaces a user's (default) password.
type ChangePassword struct {
	Current         string `json:"current" validate:"required"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`

	// user attributes the new password must not resemble
	name, email string
}

func (cp *ChangePassword) Validate(validate *validator.Validate, usr User) error {
	cp.name = usr.FirstName + " " + usr.Surname
	cp.email = usr.Email
	return validate.Struct(cp)
}

// ProfileUpdate replaces a user's names & email. An empty PrefName clears it.
type ProfileUpdate struct {
	FirstName string `json:"first_name" validate:"required"`
	PrefName  string `json:"pref_name"`
	Surname   string `json:"surname" validate:"required"`
	Email     string `json:"email" validate:"required,email"`
}

func (pu *ProfileUpdate) Validate(validate *validator.Validate) error {
	pu.FirstName = core.CleanString(pu.FirstName)
	pu.PrefName = core.CleanString(pu.PrefName)
	pu.Surname = core.CleanString(pu.Surname)
	pu.Email = core.CleanString(pu.Email, true /* lower */)
	return validate.Struct(pu)
}

func (pu *ProfileUpdate) unchanged(usr User) bool {
	return pu.FirstName == usr.FirstName && pu.PrefName == usr.PrefName &&
		pu.Surname == usr.Surname && pu.Email == usr.Email
}

type GetFilter struct {
	ID    string
	Email string
}

type QueryFilter struct {
	Search  string      `query:"search"`
	Roles   []perm.Role `query:"role"`
	HouseID string      `query:"house"`
}

func (qf *QueryFilter) IsEmpty() bool {
	return qf.Search == "" && qf.Roles == nil && qf.HouseID == ""
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search)
}
