package tests

import (
	"context"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/denim/apps/api/echo"
	"github.com/trezcool/denim/core/perm"
	"github.com/trezcool/denim/core/session"
	"github.com/trezcool/denim/core/user"
)

func Test_authApi_login(t *testing.T) {
	app := setup(t)
	student := app.createUser(t, "Ada", "Lovelace", "ada@school.test", perm.RoleStudent)

	reqMsg := "this field is required"
	failed := marchallObj(t, httpErr{Error: "authentication failed"})

	tests := []httpTest{
		{
			name: "required fields", body: []byte(`{}`), wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"email": reqMsg, "password": reqMsg}),
		},
		{
			name: "invalid email", body: marchallObj(t, echoapi.LoginRequest{Email: "lol", Password: "x"}), wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"email": "email must be a valid email address"}),
		},
		{
			name: "unknown email", body: marchallObj(t, echoapi.LoginRequest{Email: "nobody@school.test", Password: testPwd}),
			wantCode: http.StatusBadRequest, wantData: failed,
		},
		{
			name: "wrong password", body: marchallObj(t, echoapi.LoginRequest{Email: student.Email, Password: "nope"}),
			wantCode: http.StatusBadRequest, wantData: failed,
		},
	}
	for i := range tests {
		tests[i].method = http.MethodPost
		tests[i].path = "/login"
	}
	runHTTPTests(t, app, tests)

	t.Run("success", func(t *testing.T) {
		cookie := app.login(t, " ADA@school.test ")
		assert.True(t, cookie.HttpOnly)
		assert.NotEmpty(t, cookie.Value)

		req, rec := newRequest(http.MethodGet, "/profile", nil, cookie)
		app.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var usr user.User
		unmarshal(t, rec, &usr)
		assert.Equal(t, student.ID, usr.ID)
		assert.Equal(t, perm.RoleStudent, usr.Role)
	})
}

func Test_authApi_profileRequiresSession(t *testing.T) {
	app := setup(t)

	runHTTPTests(t, app, []httpTest{
		{
			name: "no cookie", method: http.MethodGet, path: "/profile",
			wantCode: http.StatusUnauthorized, wantData: marchallObj(t, httpErr{Error: "user not authenticated"}),
		},
		{
			name: "unknown session", method: http.MethodGet, path: "/profile", cookie: &http.Cookie{Name: app.conf.Server.SessionCookieName, Value: "lol"},
			wantCode: http.StatusUnauthorized, wantData: marchallObj(t, httpErr{Error: "user not authenticated"}),
		},
	})
}

func Test_authApi_loginCyclesSessionID(t *testing.T) {
	app := setup(t)
	app.createUser(t, "Ada", "Lovelace", "ada@school.test", perm.RoleStudent)

	first := app.login(t, "ada@school.test")
	second := app.login(t, "ada@school.test", first)
	assert.NotEqual(t, first.Value, second.Value)

	_, err := app.sessions.Load(context.Background(), first.Value)
	assert.True(t, session.IsNotFound(err), "the previous session is gone")

	req, rec := newRequest(http.MethodGet, "/profile", nil, first)
	app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req, rec = newRequest(http.MethodGet, "/profile", nil, second)
	app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func Test_authApi_logout(t *testing.T) {
	app := setup(t)
	app.createUser(t, "Ada", "Lovelace", "ada@school.test", perm.RoleStudent)
	cookie := app.login(t, "ada@school.test")

	req, rec := newRequest(http.MethodPost, "/logout", nil, cookie)
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	cleared := sessionCookie(t, app.conf, rec)
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)

	_, err := app.sessions.Load(context.Background(), cookie.Value)
	assert.True(t, session.IsNotFound(err))

	req, rec = newRequest(http.MethodGet, "/profile", nil, cookie)
	app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// logging out anonymously is a no-op
	req, rec = newRequest(http.MethodPost, "/logout", nil)
	app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func Test_sessionMiddleware_corruptSessionIsDiscarded(t *testing.T) {
	app := setup(t)
	app.createUser(t, "Ada", "Lovelace", "ada@school.test", perm.RoleStudent)
	cookie := app.login(t, "ada@school.test")

	app.sessions.Corrupt(cookie.Value, []byte{0xc1})

	req, rec := newRequest(http.MethodGet, "/profile", nil, cookie)
	app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "the request goes on unauthenticated")

	cleared := sessionCookie(t, app.conf, rec)
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)

	_, err := app.sessions.Load(context.Background(), cookie.Value)
	assert.True(t, session.IsNotFound(err), "the corrupt record is deleted")
	assert.Contains(t, app.scrape(t), `denim_session_loads_total{outcome="decode_error"} 1`)

	// public endpoints still work with the stale cookie
	req, rec = newRequest(http.MethodGet, "/", nil, cookie)
	app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

type brokenStore struct{ session.Store }

func (brokenStore) Load(context.Context, string) (session.Record, error) {
	return session.Record{}, session.NewBackendError("load", errors.New("connection refused"))
}

func Test_sessionMiddleware_backendFailure(t *testing.T) {
	app := setup(t, func(deps *echoapi.ServerDeps) {
		deps.Sessions = brokenStore{deps.Sessions}
	})

	runHTTPTests(t, app, []httpTest{{
		name: "500", method: http.MethodGet, path: "/profile",
		cookie:   &http.Cookie{Name: app.conf.Server.SessionCookieName, Value: "whatever"},
		wantCode: http.StatusInternalServerError, wantData: marchallObj(t, httpErr{Error: "Internal Server Error"}),
	}})
	assert.Contains(t, app.scrape(t), `denim_session_loads_total{outcome="backend_error"} 1`)
}

func Test_authApi_replaceDefaultPassword(t *testing.T) {
	app := setup(t)
	ctx := context.Background()

	_, defaultPwd, err := app.usrSvc.Create(ctx, user.NewUser{
		FirstName: "Dee", Surname: "Fault", Email: "dee@school.test", Role: perm.RoleStudent,
	})
	require.NoError(t, err)
	require.NotEmpty(t, defaultPwd)
	app.createUser(t, "Ada", "Lovelace", "ada@school.test", perm.RoleStudent)

	dee := app.loginWithPassword(t, "dee@school.test", defaultPwd)
	ada := app.login(t, "ada@school.test")

	newPwd := "N3w-passw0rd!"
	path := "/replace_default_password"
	runHTTPTests(t, app, []httpTest{
		{name: "auth required", method: http.MethodPost, path: path, wantCode: http.StatusUnauthorized},
		{
			name: "not a default password", method: http.MethodPost, path: path, cookie: ada,
			body:     marchallObj(t, user.ChangePassword{Current: testPwd, Password: newPwd, PasswordConfirm: newPwd}),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: "the current password is not a default password"}),
		},
		{
			name: "confirmation mismatch", method: http.MethodPost, path: path, cookie: dee,
			body:     marchallObj(t, user.ChangePassword{Current: defaultPwd, Password: newPwd, PasswordConfirm: "lol"}),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, map[string]string{"password_confirm": "password_confirm must be equal to Password"}),
		},
		{
			name: "replaced", method: http.MethodPost, path: path, cookie: dee,
			body:     marchallObj(t, user.ChangePassword{Current: defaultPwd, Password: newPwd, PasswordConfirm: newPwd}),
			wantData: marchallObj(t, echoapi.SuccessResponse{Success: "Your password has been replaced."}),
		},
	})

	usr, err := app.usrSvc.GetByEmail(ctx, "dee@school.test")
	require.NoError(t, err)
	assert.False(t, usr.PasswordIsDefault)
	app.loginWithPassword(t, "dee@school.test", newPwd)
}
