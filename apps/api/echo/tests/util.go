package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/denim/apps/api/echo"
	"github.com/trezcool/denim/core"
	"github.com/trezcool/denim/core/broadcast"
	"github.com/trezcool/denim/core/event"
	"github.com/trezcool/denim/core/importer"
	"github.com/trezcool/denim/core/jobs"
	"github.com/trezcool/denim/core/perm"
	"github.com/trezcool/denim/core/session"
	"github.com/trezcool/denim/core/user"
	appfs "github.com/trezcool/denim/fs"
	emailsvc "github.com/trezcool/denim/services/email"
	logsvc "github.com/trezcool/denim/services/logger"
	metricsvc "github.com/trezcool/denim/services/metrics"
	memblob "github.com/trezcool/denim/storage/blob/memory"
	sqlxrepos "github.com/trezcool/denim/storage/database/sqlx"
	testutil "github.com/trezcool/denim/tests"
)

const testPwd = "Secr3t-pwd!"

type testApp struct {
	*echoapi.Server

	conf     *core.Config
	db       *sqlx.DB
	usrRepo  user.Repository
	evRepo   event.Repository
	usrSvc   *user.Service
	sessions *session.MemoryStore
	hub      *broadcast.Hub
	imports  *jobs.Coordinator[importer.Report]
	blobs    *memblob.Store
	mails    *emailsvc.ConsoleServiceMock
	metrics  *metricsvc.Metrics
}

func setup(t *testing.T, overrides ...func(*echoapi.ServerDeps)) *testApp {
	conf := core.NewTestConfig()
	logger := logsvc.NewDiscardLogger()
	core.ParseEmailTemplates(appfs.FS, appfs.EmailTemplatesDir, logger, true)

	validate, translator := core.NewValidator()
	user.InitValidators(validate, translator)

	// set up DB & repos
	db := testutil.PrepareDB(t)
	usrRepo := sqlxrepos.NewUserRepository(db)
	evRepo := sqlxrepos.NewEventRepository(db)

	// set up services
	words, err := user.LoadWords(appfs.FS, appfs.WordsFile)
	require.NoError(t, err)
	passwords, err := user.NewPasswordGenerator(words, conf.Auth)
	require.NoError(t, err)
	usrSvc := user.NewService(usrRepo, user.NewHasher(2, conf.Auth.BcryptCost), passwords, conf, logger)

	hub := broadcast.NewHub(broadcast.DefaultBuffer)
	t.Cleanup(hub.Close)
	mails := emailsvc.NewConsoleServiceMock(conf, logger)
	blobs := memblob.New()
	sessions := session.NewMemoryStore()
	imports := jobs.New[importer.Report](importer.PanicReport)
	metrics := metricsvc.New()

	app := &testApp{
		conf:     conf,
		db:       db,
		usrRepo:  usrRepo,
		evRepo:   evRepo,
		usrSvc:   usrSvc,
		sessions: sessions,
		hub:      hub,
		imports:  imports,
		blobs:    blobs,
		mails:    mails,
		metrics:  metrics,
	}

	// set up server
	deps := echoapi.ServerDeps{
		Conf:       conf,
		Logger:     logger,
		Validate:   validate,
		Translator: translator,
		Metrics:    metrics,
		Sessions:   sessions,
		UserSvc:    usrSvc,
		EventSvc:   event.NewService(evRepo, usrRepo, hub),
		Importer:   importer.New(db, usrSvc, usrRepo, evRepo, blobs, mails, hub, validate, translator, conf, logger),
		Imports:    imports,
		Hub:        hub,

		DisableReqLogs: true,
	}
	for _, override := range overrides {
		override(&deps)
	}
	app.Server = echoapi.NewServer(deps)
	return app
}

func (app *testApp) createUser(t *testing.T, firstName, surname, email string, role perm.Role) user.User {
	return testutil.CreateUser(t, app.usrRepo, firstName, surname, email, testPwd, role)
}

// login returns the session cookie of a user created with testPwd.
func (app *testApp) login(t *testing.T, email string, cookies ...*http.Cookie) *http.Cookie {
	t.Helper()
	return app.loginWithPassword(t, email, testPwd, cookies...)
}

func (app *testApp) loginWithPassword(t *testing.T, email, pwd string, cookies ...*http.Cookie) *http.Cookie {
	t.Helper()
	body := marchallObj(t, echoapi.LoginRequest{Email: email, Password: pwd})
	req, rec := newRequest(http.MethodPost, "/login", body, cookies...)
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cookie := sessionCookie(t, app.conf, rec)
	require.NotNil(t, cookie)
	return cookie
}

// scrape returns the exposed metrics.
func (app *testApp) scrape(t *testing.T) string {
	rec := httptest.NewRecorder()
	app.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func sessionCookie(t *testing.T, conf *core.Config, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == conf.Server.SessionCookieName {
			return c
		}
	}
	return nil
}

// nextEvent waits a little for the next event of sub.
func nextEvent(t *testing.T, sub *broadcast.Subscription) broadcast.Event {
	t.Helper()
	select {
	case e := <-sub.Events():
		return e
	case <-time.After(time.Second):
		t.Fatal("no event published")
		return broadcast.Event{}
	}
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	cookie   *http.Cookie
	wantCode int
	wantData []byte
}

func newRequest(method, path string, body []byte, cookies ...*http.Cookie) (*http.Request, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		if c != nil {
			req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
		}
	}
	return req, httptest.NewRecorder()
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj() failed: %v", err)
	}
	return data
}

func marchallList(t *testing.T, objs ...interface{}) []byte {
	data, err := json.Marshal(objs)
	if err != nil {
		t.Fatalf("marchallList() failed: %v", err)
	}
	return data
}

func unmarshal(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func jsonBytesEqual(t *testing.T, b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	if reflect.DeepEqual(j1, j2) {
		return true, nil
	}
	if j1 == nil || j2 == nil {
		return false, nil
	}
	return assert.ElementsMatch(t, j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v; body %s", rec.Code, tt.wantCode, rec.Body.String())
	}
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(t, rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}

func runHTTPTests(t *testing.T, app *testApp, tests []httpTest) {
	t.Helper()
	for _, tt := range tests {
		if tt.wantCode == 0 {
			tt.wantCode = http.StatusOK
		}
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newRequest(tt.method, tt.path, tt.body, tt.cookie)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func deniedBody(t *testing.T, needed, found perm.Capability) []byte {
	return marchallObj(t, map[string]interface{}{"error": "permission denied", "needed": needed, "found": found})
}
