// Package importer creates student accounts in bulk from a people CSV,
// and events from an events CSV.
//
// A people import is prepared synchronously (tutor checks), then runs as the single
// background job of a jobs.Coordinator. Bad rows are reported in the Report;
// a persistence failure rolls the whole batch back.
package importer

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"net/mail"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	ut "github.com/go-playground/universal-translator"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/denim/core"
	"github.com/trezcool/denim/core/broadcast"
	"github.com/trezcool/denim/core/event"
	"github.com/trezcool/denim/core/jobs"
	"github.com/trezcool/denim/core/perm"
	"github.com/trezcool/denim/core/user"
)

const (
	DefaultArchiveExpiry = 48 * time.Hour
	archivePasswordLen   = 20
	emailTemplate        = "import_complete"
	failuresFilename     = "failures.csv"
	failuresMimeType     = "text/csv"
)

type (
	RowFailure struct {
		Line   int    `json:"line"`
		Email  string `json:"email,omitempty"`
		Reason string `json:"reason"`
	}

	// Report is the finished result of an import.
	Report struct {
		Total           int          `json:"total"`
		Created         int          `json:"created"`
		Failures        []RowFailure `json:"failures"`
		ArchiveURL      string       `json:"archive_url,omitempty"`
		ArchivePassword string       `json:"archive_password,omitempty"`
		// Err is set when the batch was rolled back as a whole.
		Err string `json:"error,omitempty"`
	}

	// MissingTutorsError lists tutor emails that match no staff member.
	MissingTutorsError struct {
		Emails []string `json:"emails"`
	}

	// Plan is a prepared import, ready to run.
	Plan struct {
		Rows      []Row
		Requester user.User
		tutors    map[string]string // email: staff id
	}
)

func (e *MissingTutorsError) Error() string {
	return "the following tutors need to be added first: " + strings.Join(e.Emails, ", ")
}

// PanicReport is the Report of an import that panicked.
func PanicReport(recovered any) Report {
	return Report{Err: fmt.Sprintf("import crashed: %v", recovered)}
}

type Importer struct {
	db         core.DB
	users      *user.Service
	userRepo   user.Repository
	events     event.Repository
	blobs      core.BlobStore
	email      core.EmailService
	hub        *broadcast.Hub
	validate   *validator.Validate
	translator ut.Translator
	logger     core.Logger
	expiry     time.Duration
}

func New(
	db core.DB,
	users *user.Service,
	userRepo user.Repository,
	events event.Repository,
	blobs core.BlobStore,
	email core.EmailService,
	hub *broadcast.Hub,
	validate *validator.Validate,
	translator ut.Translator,
	conf *core.Config,
	logger core.Logger,
) *Importer {
	expiry := conf.Blob.PresignExpiry
	if expiry <= 0 {
		expiry = DefaultArchiveExpiry
	}
	return &Importer{
		db:         db,
		users:      users,
		userRepo:   userRepo,
		events:     events,
		blobs:      blobs,
		email:      email,
		hub:        hub,
		validate:   validate,
		translator: translator,
		logger:     logger,
		expiry:     expiry,
	}
}

// Prepare checks that every tutor is a known staff member.
// It returns a *MissingTutorsError listing the unknown ones.
func (im *Importer) Prepare(ctx context.Context, requester user.User, rows []Row) (*Plan, error) {
	if err := perm.EnsureCan(&requester, perm.ImportCSVs); err != nil {
		return nil, err
	}

	plan := &Plan{Rows: rows, Requester: requester, tutors: make(map[string]string)}
	missing := make(map[string]bool)
	for i := range plan.Rows {
		plan.Rows[i].clean()
		email := plan.Rows[i].TutorEmail
		if email == "" || missing[email] {
			continue
		}
		if _, ok := plan.tutors[email]; ok {
			continue
		}

		tutor, err := im.userRepo.GetUser(ctx, user.GetFilter{Email: email})
		switch {
		case err == nil && (tutor.IsStaff() || tutor.IsAdmin()):
			plan.tutors[email] = tutor.ID
		case err == nil || errors.Cause(err) == user.ErrNotFound:
			missing[email] = true
		default:
			return nil, errors.Wrap(err, "finding tutor")
		}
	}

	if len(missing) > 0 {
		emails := make([]string, 0, len(missing))
		for email := range missing {
			emails = append(emails, email)
		}
		sort.Strings(emails)
		return nil, &MissingTutorsError{Emails: emails}
	}
	return plan, nil
}

// Job wraps Run for a jobs.Token.
func (im *Importer) Job(plan *Plan) jobs.Job[Report] {
	return func(ctx context.Context, tracker *jobs.Tracker) Report {
		return im.Run(ctx, plan, tracker)
	}
}

// Run creates the students of plan in a single transaction, then mails the requester.
func (im *Importer) Run(ctx context.Context, plan *Plan, tracker *jobs.Tracker) Report {
	report := Report{Total: len(plan.Rows), Failures: make([]RowFailure, 0)}
	tracker.Set(0, report.Total)

	err := core.RunInTx(ctx, im.db, func(tx *sqlx.Tx) error {
		creds := make([]credential, 0, len(plan.Rows))
		for _, row := range plan.Rows {
			pwd, failure, err := im.importRow(ctx, tx, plan, row)
			tracker.Inc()
			if err != nil {
				return errors.Wrapf(err, "line %d", row.Line)
			}
			if failure != nil {
				report.Failures = append(report.Failures, *failure)
				continue
			}
			creds = append(creds, credential{email: row.Email, password: pwd})
		}
		report.Created = len(creds)
		if len(creds) == 0 {
			return nil
		}

		// the archive is delivered before committing, so no account exists without its password
		return im.deliverArchive(ctx, creds, &report)
	})
	if err != nil {
		im.logger.Error(fmt.Sprintf("importer.Run: %v", err), err, &plan.Requester)
		report.Created = 0
		report.ArchiveURL, report.ArchivePassword = "", ""
		report.Err = errors.Cause(err).Error()
	} else if report.Created > 0 {
		im.hub.Publish(broadcast.PeopleChanged())
	}

	im.notify(plan.Requester, report)
	return report
}

// importRow returns a failure for a bad row and an error when the batch must be rolled back.
func (im *Importer) importRow(ctx context.Context, tx *sqlx.Tx, plan *Plan, row Row) (string, *RowFailure, error) {
	fail := func(reason string) (string, *RowFailure, error) {
		return "", &RowFailure{Line: row.Line, Email: row.Email, Reason: reason}, nil
	}

	if err := im.validate.Struct(row); err != nil {
		fields := core.TranslateErrors(err, im.translator)
		if fields == nil {
			return "", nil, err
		}
		return fail(joinReasons(fields))
	}
	staffID, ok := plan.tutors[row.TutorEmail]
	if !ok {
		return fail("unknown tutor " + row.TutorEmail)
	}

	house, err := im.userRepo.GetOrCreateHouse(ctx, row.House, tx)
	if err != nil {
		return "", nil, err
	}
	group, err := im.userRepo.GetOrCreateTutorGroup(ctx, staffID, house.ID, tx)
	if err != nil {
		return "", nil, err
	}

	_, pwd, err := im.users.Create(ctx, user.NewUser{
		FirstName: row.FirstName,
		PrefName:  row.PrefName,
		Surname:   row.Surname,
		Email:     row.Email,
		Role:      perm.RoleStudent,
		Student:   &user.StudentInfo{TutorGroupID: group.ID, HouseID: house.ID},
	}, tx)
	if err != nil {
		if vErr, ok := errors.Cause(err).(*core.ValidationError); ok {
			return fail(vErr.Error())
		}
		return "", nil, err
	}
	return pwd, nil, nil
}

func (im *Importer) deliverArchive(ctx context.Context, creds []credential, report *Report) error {
	password, err := user.RandomSecret(archivePasswordLen)
	if err != nil {
		return errors.Wrap(err, "generating archive password")
	}
	archive, err := buildArchive(creds, password)
	if err != nil {
		return err
	}
	if err = im.blobs.Put(ctx, ArchiveKey, archive, archiveMimeType); err != nil {
		return errors.Wrap(err, "uploading archive")
	}
	url, err := im.blobs.PresignGet(ctx, ArchiveKey, im.expiry, ArchiveKey)
	if err != nil {
		return errors.Wrap(err, "presigning archive")
	}
	report.ArchiveURL = url
	report.ArchivePassword = password
	return nil
}

// joinReasons renders {field: message} in a stable order.
func joinReasons(fields map[string]string) string {
	reasons := make([]string, 0, len(fields))
	for fld, msg := range fields {
		reasons = append(reasons, fld+": "+msg)
	}
	sort.Strings(reasons)
	return strings.Join(reasons, "; ")
}

type completionData struct {
	Name string
	Report
}

func (im *Importer) notify(requester user.User, report Report) {
	if requester.Email == "" {
		return
	}
	msg := &core.EmailMessage{
		To:           []mail.Address{{Name: requester.DisplayName(), Address: requester.Email}},
		Subject:      "Student import finished",
		TemplateName: emailTemplate,
		TemplateData: completionData{Name: requester.DisplayName(), Report: report},
	}
	if len(report.Failures) > 0 {
		if err := attachFailures(msg, report.Failures); err != nil {
			im.logger.Error(fmt.Sprintf("importer.notify: %v", err), err, &requester)
		}
	}
	im.email.SendMessages(msg)
}

// attachFailures adds the rejected rows to msg as failures.csv.
func attachFailures(msg *core.EmailMessage, failures []RowFailure) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"line", "email", "reason"})
	for _, f := range failures {
		_ = w.Write([]string{strconv.Itoa(f.Line), f.Email, f.Reason})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Wrap(err, "writing failures")
	}
	return msg.Attach(&buf, failuresFilename, failuresMimeType)
}
