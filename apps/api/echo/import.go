package echoapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/denim/core"
	"github.com/trezcool/denim/core/importer"
	"github.com/trezcool/denim/core/jobs"
	"github.com/trezcool/denim/core/perm"
	metricsvc "github.com/trezcool/denim/services/metrics"
)

const (
	importFileField = "file"
	importBodyLimit = "5M"

	statusFinished = "finished"

	eventDateFormat = "dd-mm-yyyy HH:MM"
)

type importApi struct {
	importer *importer.Importer
	imports  *jobs.Coordinator[importer.Report]
	metrics  *metricsvc.Metrics
	validate *validator.Validate
}

func registerImportAPI(app *echo.Echo, deps ServerDeps) {
	api := importApi{importer: deps.Importer, imports: deps.Imports, metrics: deps.Metrics, validate: deps.Validate}
	canImport := requireCapability(perm.ImportCSVs)
	bodyLimit := middleware.BodyLimit(importBodyLimit)

	ig := app.Group("/import_export")
	ig.GET("", api.overview, requireCapability(perm.ExportCSVs))
	ig.PUT("/import_people", api.importPeople, canImport, bodyLimit)
	ig.GET("/import_people_fetch", api.fetch, canImport)
	ig.PUT("/add_new_events", api.addNewEvents, canImport, bodyLimit)
	ig.PUT("/fully_import_events", api.fullyImportEvents, canImport, bodyLimit)
}

type (
	// Overview describes the accepted CSV formats to whoever may see the import/export page.
	Overview struct {
		CanImport       bool      `json:"can_import"`
		PeopleColumns   []string  `json:"people_columns"`
		EventColumns    []string  `json:"event_columns"`
		EventDateFormat string    `json:"event_datetime_format"`
		PeopleImport    JobStatus `json:"people_import"`
	}

	// DraftEventsResponse is what an events CSV holds. Drafts is handed back to confirm the import.
	DraftEventsResponse struct {
		Total  int                   `json:"total"`
		Events []importer.DraftEvent `json:"events"`
		Drafts string                `json:"drafts"`
	}

	ImportEventsRequest struct {
		Drafts            string `json:"drafts" validate:"required"`
		AssociatedStaffID string `json:"associated_staff_id" validate:"omitempty,uuid"`
	}

	ImportEventsResponse struct {
		Created int `json:"created"`
	}
)

// JobStatus is the polling view of the import slot.
type JobStatus struct {
	Status string           `json:"status"`
	Done   *int             `json:"done,omitempty"`
	Total  *int             `json:"total,omitempty"`
	Report *importer.Report `json:"report,omitempty"`
}

func (api *importApi) status() JobStatus {
	st := JobStatus{Status: api.imports.Status().String()}
	if p, ok := api.imports.Progress(); ok {
		st.Done, st.Total = &p.Done, &p.Total
	}
	return st
}

// Handlers

func (api *importApi) importPeople(ctx echo.Context) error {
	tok, ok := api.imports.TryAcquire()
	if !ok {
		api.metrics.ImportAdmission(metricsvc.AdmissionConflict)
		return ctx.JSON(http.StatusConflict, api.status())
	}
	defer tok.Release()
	api.metrics.ImportAdmission(metricsvc.AdmissionAdmitted)

	rc, err := openUpload(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()

	rows, err := importer.ParseCSV(rc)
	if err != nil {
		return err
	}
	plan, err := api.importer.Prepare(ctx.Request().Context(), *contextUser(ctx), rows)
	if err != nil {
		return err
	}

	if err = tok.Submit(ctx.Request().Context(), api.importer.Job(plan)); err != nil {
		return errors.Wrap(err, "submitting import")
	}
	total := len(plan.Rows)
	return ctx.JSON(http.StatusAccepted, JobStatus{Status: jobs.StatusRunning.String(), Total: &total})
}

func (api *importApi) overview(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, Overview{
		CanImport:       perm.Can(principal(ctx), perm.ImportCSVs),
		PeopleColumns:   importer.Columns,
		EventColumns:    importer.EventColumns,
		EventDateFormat: eventDateFormat,
		PeopleImport:    api.status(),
	})
}

func (api *importApi) addNewEvents(ctx echo.Context) error {
	rc, err := openUpload(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()

	drafts, err := importer.ParseEventsCSV(rc)
	if err != nil {
		return err
	}
	token, err := importer.EncodeDrafts(drafts)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, DraftEventsResponse{Total: len(drafts), Events: drafts, Drafts: token})
}

func (api *importApi) fullyImportEvents(ctx echo.Context) error {
	var data ImportEventsRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ImportEventsRequest")
	}
	if err := api.validate.Struct(&data); err != nil {
		return err
	}
	drafts, err := importer.DecodeDrafts(data.Drafts)
	if err != nil {
		return err
	}

	n, err := api.importer.ImportEvents(ctx.Request().Context(), *contextUser(ctx), drafts, data.AssociatedStaffID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, ImportEventsResponse{Created: n})
}

// fetch never blocks. A finished report is handed out once, which frees the slot.
func (api *importApi) fetch(ctx echo.Context) error {
	if report, ok := api.imports.Poll(); ok {
		return ctx.JSON(http.StatusOK, JobStatus{Status: statusFinished, Report: &report})
	}
	return ctx.JSON(http.StatusOK, api.status())
}

// openUpload accepts a multipart `file` field or a raw text/csv body.
func openUpload(ctx echo.Context) (io.ReadCloser, error) {
	ct := ctx.Request().Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(ct, "text/csv") {
		return ctx.Request().Body, nil
	}

	fh, err := ctx.FormFile(importFileField)
	if err != nil {
		return nil, core.NewValidationError(nil, core.FieldError{Field: importFileField, Error: "a CSV file is required"})
	}
	f, err := fh.Open()
	if err != nil {
		return nil, errors.Wrap(err, "opening upload")
	}
	return f, nil
}
