package tests

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/denim/apps/api/echo"
	"github.com/trezcool/denim/core/perm"
	"github.com/trezcool/denim/core/session"
	"github.com/trezcool/denim/core/user"
)

func userIDs(users []user.User) []string {
	ids := make([]string, 0, len(users))
	for _, usr := range users {
		ids = append(ids, usr.ID)
	}
	return ids
}

func Test_peopleApi_query(t *testing.T) {
	app := setup(t)
	staff := app.createUser(t, "Grace", "Hopper", "grace@school.test", perm.RoleStaff)
	ada := app.createUser(t, "Ada", "Lovelace", "ada@school.test", perm.RoleStudent)
	alan := app.createUser(t, "Alan", "Turing", "alan@school.test", perm.RoleStudent)
	guest := app.createUser(t, "Guest", "Visitor", "guest@school.test", perm.RoleGuest)

	staffCookie := app.login(t, staff.Email)
	guestCookie := app.login(t, guest.Email)

	runHTTPTests(t, app, []httpTest{
		{name: "auth required", method: http.MethodGet, path: "/people", wantCode: http.StatusUnauthorized},
		{
			name: "bad ordering", method: http.MethodGet, path: "/people?ordering=password_hash", cookie: staffCookie,
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, map[string]string{"ordering": "cannot order by password_hash"}),
		},
	})

	tests := []struct {
		name   string
		path   string
		cookie bool
		want   []string
	}{
		{name: "all", path: "/people", want: []string{staff.ID, ada.ID, alan.ID, guest.ID}},
		{name: "search", path: "/people?search=LOVE", want: []string{ada.ID}},
		{name: "search email", path: "/people?search=alan@", want: []string{alan.ID}},
		{name: "ordering", path: "/people?ordering=-first_name", want: []string{guest.ID, staff.ID, alan.ID, ada.ID}},
		{name: "no match", path: "/people?search=nobody", want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newRequest(http.MethodGet, tt.path, nil, guestCookie)
			app.ServeHTTP(rec, req)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var got []user.User
			unmarshal(t, rec, &got)
			if tt.name == "all" {
				assert.ElementsMatch(t, tt.want, userIDs(got))
			} else {
				assert.Equal(t, tt.want, userIDs(got))
			}
		})
	}
}

func Test_peopleApi_retrieve(t *testing.T) {
	app := setup(t)
	ada := app.createUser(t, "Ada", "Lovelace", "ada@school.test", perm.RoleStudent)
	cookie := app.login(t, ada.Email)

	req, rec := newRequest(http.MethodGet, "/people/"+ada.ID, nil, cookie)
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var got user.User
	unmarshal(t, rec, &got)
	assert.Equal(t, ada.ID, got.ID)
	assert.Equal(t, "ada@school.test", got.Email)
	assert.Equal(t, perm.RoleStudent, got.Role)
	assert.NotContains(t, rec.Body.String(), "password_hash")

	runHTTPTests(t, app, []httpTest{
		{
			name: "not found", method: http.MethodGet, path: "/people/00000000-0000-0000-0000-000000000000", cookie: cookie,
			wantCode: http.StatusNotFound, wantData: marchallObj(t, httpErr{Error: user.ErrNotFound.Error()}),
		},
	})
}

func Test_peopleApi_create(t *testing.T) {
	app := setup(t)
	admin := app.createUser(t, "Root", "Admin", "admin@school.test", perm.RoleAdmin)
	staff := app.createUser(t, "Grace", "Hopper", "grace@school.test", perm.RoleStaff)
	ada := app.createUser(t, "Ada", "Lovelace", "ada@school.test", perm.RoleStudent)

	adminCookie := app.login(t, admin.Email)
	staffCookie := app.login(t, staff.Email)
	adaCookie := app.login(t, ada.Email)

	sub := app.hub.Subscribe()
	defer sub.Close()

	student := user.NewUser{FirstName: "Alan", Surname: "Turing", Email: " Alan@School.test ", Role: perm.RoleStudent}
	newAdmin := user.NewUser{FirstName: "Second", Surname: "Admin", Email: "admin2@school.test", Role: perm.RoleAdmin}

	runHTTPTests(t, app, []httpTest{
		{
			name: "students cannot create", method: http.MethodPut, path: "/people", cookie: adaCookie,
			body: marchallObj(t, student), wantCode: http.StatusForbidden,
			wantData: deniedBody(t, perm.CrudUsers, perm.For(perm.RoleStudent)),
		},
		{
			name: "required fields", method: http.MethodPut, path: "/people", cookie: staffCookie, body: []byte(`{}`),
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{
				"first_name": "this field is required",
				"surname":    "this field is required",
				"email":      "this field is required",
				"role":       "this field is required",
			}),
		},
		{
			name: "email taken", method: http.MethodPut, path: "/people", cookie: staffCookie,
			body:     marchallObj(t, user.NewUser{FirstName: "Ada", Surname: "Again", Email: "ADA@school.test", Role: perm.RoleStudent}),
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"email": user.ErrEmailExists.Error()}),
		},
		{
			name: "staff cannot create admins", method: http.MethodPut, path: "/people", cookie: staffCookie,
			body: marchallObj(t, newAdmin), wantCode: http.StatusForbidden,
			wantData: deniedBody(t, perm.CrudUsers|perm.CrudAdmins, perm.For(perm.RoleStaff)),
		},
	})

	t.Run("staff creates a student", func(t *testing.T) {
		req, rec := newRequest(http.MethodPut, "/people", marchallObj(t, student), staffCookie)
		app.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var got echoapi.NewPersonResponse
		unmarshal(t, rec, &got)
		assert.Equal(t, "alan@school.test", got.User.Email)
		assert.True(t, got.User.PasswordIsDefault)
		assert.Regexp(t, `^[a-z]+_\d+$`, got.DefaultPassword)
		assert.Equal(t, "crud_person", nextEvent(t, sub).Name())

		// the default password works, once
		cookie := app.loginWithPassword(t, got.User.Email, got.DefaultPassword)
		req, rec = newRequest(http.MethodGet, "/profile", nil, cookie)
		app.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("admin creates an admin", func(t *testing.T) {
		req, rec := newRequest(http.MethodPut, "/people", marchallObj(t, newAdmin), adminCookie)
		app.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var got echoapi.NewPersonResponse
		unmarshal(t, rec, &got)
		assert.Equal(t, perm.RoleAdmin, got.User.Role)
		assert.Equal(t, "crud_person", nextEvent(t, sub).Name())
	})
}

func Test_peopleApi_destroy(t *testing.T) {
	app := setup(t)
	admin := app.createUser(t, "Root", "Admin", "admin@school.test", perm.RoleAdmin)
	staff := app.createUser(t, "Grace", "Hopper", "grace@school.test", perm.RoleStaff)
	ada := app.createUser(t, "Ada", "Lovelace", "ada@school.test", perm.RoleStudent)

	adminCookie := app.login(t, admin.Email)
	staffCookie := app.login(t, staff.Email)
	adaCookie := app.login(t, ada.Email)

	sub := app.hub.Subscribe()
	defer sub.Close()

	runHTTPTests(t, app, []httpTest{
		{
			name: "students cannot delete", method: http.MethodDelete, path: "/people/" + staff.ID, cookie: adaCookie,
			wantCode: http.StatusForbidden, wantData: deniedBody(t, perm.CrudUsers, perm.For(perm.RoleStudent)),
		},
		{
			name: "no self delete", method: http.MethodDelete, path: "/people/" + admin.ID, cookie: adminCookie,
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{
			name: "staff cannot delete admins", method: http.MethodDelete, path: "/people/" + admin.ID, cookie: staffCookie,
			wantCode: http.StatusForbidden, wantData: deniedBody(t, perm.CrudUsers|perm.CrudAdmins, perm.For(perm.RoleStaff)),
		},
		{
			name: "unknown", method: http.MethodDelete, path: "/people/00000000-0000-0000-0000-000000000000", cookie: adminCookie,
			wantCode: http.StatusNotFound,
		},
		{name: "delete", method: http.MethodDelete, path: "/people/" + ada.ID, cookie: staffCookie, wantCode: http.StatusNoContent},
		{name: "deleted", method: http.MethodGet, path: "/people/" + ada.ID, cookie: staffCookie, wantCode: http.StatusNotFound},
		// the deleted user's session is dropped on its next request
		{name: "deleted session", method: http.MethodGet, path: "/profile", cookie: adaCookie, wantCode: http.StatusUnauthorized},
	})
	assert.Equal(t, "crud_person", nextEvent(t, sub).Name())
	_, err := app.sessions.Load(context.Background(), adaCookie.Value)
	assert.True(t, session.IsNotFound(err))
}
