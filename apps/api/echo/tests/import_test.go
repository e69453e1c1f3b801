package tests

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/denim/apps/api/echo"
	"github.com/trezcool/denim/core/perm"
)

const (
	importPath = "/import_export/import_people"
	fetchPath  = "/import_export/import_people_fetch"
)

func peopleCSV(rows ...string) string {
	return "first_name,pref_name,surname,email,house,tutor_email\n" + strings.Join(rows, "\n") + "\n"
}

func uploadRequest(t *testing.T, csvData string, cookie *http.Cookie) (*http.Request, *httptest.ResponseRecorder) {
	return uploadTo(t, importPath, csvData, cookie)
}

// uploadTo PUTs csvData to path as the multipart `file` field.
func uploadTo(t *testing.T, path, csvData string, cookie *http.Cookie) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", "upload.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte(csvData))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPut, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
	return req, httptest.NewRecorder()
}

func (app *testApp) fetchImport(t *testing.T, cookie *http.Cookie) echoapi.JobStatus {
	req, rec := newRequest(http.MethodGet, fetchPath, nil, cookie)
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var st echoapi.JobStatus
	unmarshal(t, rec, &st)
	return st
}

func Test_importApi_permissions(t *testing.T) {
	app := setup(t)
	staff := app.createUser(t, "Grace", "Hopper", "grace@school.test", perm.RoleStaff)
	staffCookie := app.login(t, staff.Email)

	runHTTPTests(t, app, []httpTest{
		{name: "auth required", method: http.MethodGet, path: fetchPath, wantCode: http.StatusUnauthorized},
		{
			name: "staff cannot import", method: http.MethodPut, path: importPath, cookie: staffCookie,
			wantCode: http.StatusForbidden, wantData: deniedBody(t, perm.ImportCSVs, perm.For(perm.RoleStaff)),
		},
		{
			name: "staff cannot fetch", method: http.MethodGet, path: fetchPath, cookie: staffCookie,
			wantCode: http.StatusForbidden, wantData: deniedBody(t, perm.ImportCSVs, perm.For(perm.RoleStaff)),
		},
	})
}

func Test_importApi_importPeople(t *testing.T) {
	app := setup(t)
	admin := app.createUser(t, "Root", "Admin", "admin@school.test", perm.RoleAdmin)
	app.createUser(t, "Grace", "Hopper", "grace@school.test", perm.RoleStaff)
	cookie := app.login(t, admin.Email)

	sub := app.hub.Subscribe()
	defer sub.Close()

	assert.Equal(t, echoapi.JobStatus{Status: "none"}, app.fetchImport(t, cookie))

	req, rec := uploadRequest(t, peopleCSV(
		"Ada,,Lovelace,ada@school.test,Babbage,grace@school.test",
		"Alan,Al,Turing,ALAN@school.test,Babbage,grace@school.test",
		"Bad,,Row,not-an-email,Babbage,grace@school.test",
	), cookie)
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	ok, err := jsonBytesEqual(t, rec.Body.Bytes(), []byte(`{"status":"running","total":3}`))
	require.NoError(t, err)
	assert.True(t, ok, rec.Body.String())

	var st echoapi.JobStatus
	require.Eventually(t, func() bool {
		st = app.fetchImport(t, cookie)
		return st.Status == "finished"
	}, 5*time.Second, 20*time.Millisecond)

	require.NotNil(t, st.Report)
	assert.Equal(t, 3, st.Report.Total)
	assert.Equal(t, 2, st.Report.Created)
	require.Len(t, st.Report.Failures, 1)
	assert.Equal(t, 4, st.Report.Failures[0].Line)
	assert.NotEmpty(t, st.Report.ArchiveURL)
	assert.NotEmpty(t, st.Report.ArchivePassword)
	assert.Empty(t, st.Report.Err)

	// the report is handed out once
	assert.Equal(t, echoapi.JobStatus{Status: "none"}, app.fetchImport(t, cookie))

	assert.Equal(t, "crud_person", nextEvent(t, sub).Name())
	sent := app.mails.SentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "admin@school.test", sent[0].To[0].Address)

	// the students exist
	_, err = app.usrSvc.GetByEmail(req.Context(), "alan@school.test")
	assert.NoError(t, err)

	assert.Contains(t, app.scrape(t), `denim_import_admissions_total{outcome="admitted"} 1`)
}

func Test_importApi_rawCSVBody(t *testing.T) {
	app := setup(t)
	admin := app.createUser(t, "Root", "Admin", "admin@school.test", perm.RoleAdmin)
	app.createUser(t, "Grace", "Hopper", "grace@school.test", perm.RoleStaff)
	cookie := app.login(t, admin.Email)

	req, rec := newRequest(http.MethodPut, importPath,
		[]byte(peopleCSV("Ada,,Lovelace,ada@school.test,Babbage,grace@school.test")), cookie)
	req.Header.Set("Content-Type", "text/csv; charset=utf-8")
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		st := app.fetchImport(t, cookie)
		return st.Status == "finished" && st.Report.Created == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func Test_importApi_conflict(t *testing.T) {
	app := setup(t)
	admin := app.createUser(t, "Root", "Admin", "admin@school.test", perm.RoleAdmin)
	app.createUser(t, "Grace", "Hopper", "grace@school.test", perm.RoleStaff)
	cookie := app.login(t, admin.Email)

	tok, ok := app.imports.TryAcquire()
	require.True(t, ok)

	req, rec := uploadRequest(t, peopleCSV("Ada,,Lovelace,ada@school.test,Babbage,grace@school.test"), cookie)
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	var st echoapi.JobStatus
	unmarshal(t, rec, &st)
	assert.Equal(t, echoapi.JobStatus{Status: "pending"}, st)
	assert.Contains(t, app.scrape(t), `denim_import_admissions_total{outcome="conflict"} 1`)

	tok.Release()
	req, rec = uploadRequest(t, peopleCSV("Ada,,Lovelace,ada@school.test,Babbage,grace@school.test"), cookie)
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func Test_importApi_rejectedUploadsFreeTheSlot(t *testing.T) {
	app := setup(t)
	admin := app.createUser(t, "Root", "Admin", "admin@school.test", perm.RoleAdmin)
	app.createUser(t, "Grace", "Hopper", "grace@school.test", perm.RoleStaff)
	cookie := app.login(t, admin.Email)

	tests := []struct {
		name     string
		csv      string
		wantData string
	}{
		{
			name: "missing tutors",
			csv: peopleCSV(
				"Ada,,Lovelace,ada@school.test,Babbage,nobody@school.test",
				"Alan,,Turing,alan@school.test,Babbage,admin@school.test",
				"Edsger,,Dijkstra,edsger@school.test,Babbage,ghost@school.test",
			),
			wantData: `{"error":"the following tutors need to be added first: ghost@school.test, nobody@school.test",` +
				`"emails":["ghost@school.test","nobody@school.test"]}`,
		},
		{
			name:     "missing columns",
			csv:      "first_name,surname\nAda,Lovelace\n",
			wantData: `{"file":"missing columns: email, house, tutor_email"}`,
		},
		{
			name:     "no rows",
			csv:      peopleCSV(),
			wantData: `{"file":"the file has no rows"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := uploadRequest(t, tt.csv, cookie)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, httpTest{wantCode: http.StatusBadRequest, wantData: []byte(tt.wantData)}, rec)
			assert.Equal(t, echoapi.JobStatus{Status: "none"}, app.fetchImport(t, cookie))
		})
	}

	t.Run("missing file", func(t *testing.T) {
		req, rec := newRequest(http.MethodPut, importPath, nil, cookie)
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{
			wantCode: http.StatusBadRequest,
			wantData: []byte(`{"file":"a CSV file is required"}`),
		}, rec)
		assert.Equal(t, echoapi.JobStatus{Status: "none"}, app.fetchImport(t, cookie))
	})
}
