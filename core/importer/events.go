package importer

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/trezcool/denim/core"
	"github.com/trezcool/denim/core/broadcast"
	"github.com/trezcool/denim/core/event"
	"github.com/trezcool/denim/core/perm"
	"github.com/trezcool/denim/core/user"
)

// EventDateLayout is the datetime column format of an events CSV (dd-mm-yyyy HH:MM), read as UTC.
const EventDateLayout = "02-01-2006 15:04"

// EventColumns of an events CSV. location and extra_info are optional.
var EventColumns = []string{"name", "datetime", "location", "extra_info"}

var (
	optionalEventColumns = map[string]bool{"location": true, "extra_info": true}

	errNoDrafts      = core.NewValidationError(nil, core.FieldError{Field: "drafts", Error: "there are no events to import"})
	errBadDrafts     = core.NewValidationError(nil, core.FieldError{Field: "drafts", Error: "the drafts could not be read"})
	errStaffNotFound = "staff member not found"
	errRolledBack    = errors.New("events import rolled back")
)

// DraftEvent is an events CSV line that was read but not stored yet.
type DraftEvent struct {
	Line      int       `json:"line" msgpack:"line"`
	Name      string    `json:"name" msgpack:"name"`
	Date      time.Time `json:"date" msgpack:"date"`
	Location  string    `json:"location" msgpack:"location"`
	ExtraInfo string    `json:"extra_info" msgpack:"extra_info"`
}

// ParseEventsCSV reads draft events by header name. Every unreadable datetime
// is reported, by line, in a single validation error on the file.
func ParseEventsCSV(r io.Reader) ([]DraftEvent, error) {
	rdr, field, err := openCSV(r, EventColumns, optionalEventColumns)
	if err != nil {
		return nil, err
	}

	var (
		drafts   []DraftEvent
		problems []string
	)
	err = eachRecord(rdr, func(line int, rec []string) error {
		raw := strings.TrimSpace(field(rec, "datetime"))
		date, err := time.Parse(EventDateLayout, raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("line %d: cannot read datetime %q, expected dd-mm-yyyy HH:MM", line, raw))
			return nil
		}
		drafts = append(drafts, DraftEvent{
			Line:      line,
			Name:      core.CleanString(field(rec, "name")),
			Date:      date.UTC(),
			Location:  core.CleanString(field(rec, "location")),
			ExtraInfo: core.CleanString(field(rec, "extra_info")),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(problems) > 0 {
		return nil, fileError(strings.Join(problems, "; "), nil)
	}
	if len(drafts) == 0 {
		return nil, errNoRows
	}
	return drafts, nil
}

// EncodeDrafts packs drafts into an opaque token the client hands back to confirm the import.
func EncodeDrafts(drafts []DraftEvent) (string, error) {
	b, err := msgpack.Marshal(drafts)
	if err != nil {
		return "", errors.Wrap(err, "encoding draft events")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeDrafts(token string) ([]DraftEvent, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, errBadDrafts
	}
	var drafts []DraftEvent
	if err = msgpack.Unmarshal(b, &drafts); err != nil {
		return nil, errBadDrafts
	}
	return drafts, nil
}

// ImportEvents stores every draft in one transaction, all linked to the staff
// member staffID (optional). Any invalid draft rolls the whole batch back and
// is reported by line. It returns how many events were created.
func (im *Importer) ImportEvents(ctx context.Context, requester user.User, drafts []DraftEvent, staffID string) (int, error) {
	if err := perm.EnsureCan(&requester, perm.ImportCSVs); err != nil {
		return 0, err
	}
	if len(drafts) == 0 {
		return 0, errNoDrafts
	}
	if err := im.checkStaff(ctx, staffID); err != nil {
		return 0, err
	}

	var problems []string
	err := core.RunInTx(ctx, im.db, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		for _, d := range drafts {
			ne := event.NewEvent{
				Name:              d.Name,
				Date:              d.Date,
				Location:          d.Location,
				ExtraInfo:         d.ExtraInfo,
				AssociatedStaffID: staffID,
			}
			if err := ne.Validate(im.validate); err != nil {
				fields := core.TranslateErrors(err, im.translator)
				if fields == nil {
					return err
				}
				problems = append(problems, fmt.Sprintf("line %d: %s", d.Line, joinReasons(fields)))
				continue
			}

			if _, err := im.events.CreateEvent(ctx, event.Event{
				Name:              ne.Name,
				Date:              ne.Date,
				Location:          ne.Location,
				ExtraInfo:         ne.ExtraInfo,
				AssociatedStaffID: ne.AssociatedStaffID,
				CreatedAt:         now,
			}, tx); err != nil {
				return errors.Wrapf(err, "adding %q", d.Name)
			}
		}
		if len(problems) > 0 {
			return errRolledBack
		}
		return nil
	})
	if len(problems) > 0 {
		return 0, core.NewValidationError(nil, core.FieldError{Field: "drafts", Error: strings.Join(problems, "; ")})
	}
	if err != nil {
		return 0, errors.Wrap(err, "importing events")
	}

	im.hub.Publish(broadcast.EventsChanged())
	return len(drafts), nil
}

func (im *Importer) checkStaff(ctx context.Context, staffID string) error {
	if staffID == "" {
		return nil
	}
	staff, err := im.userRepo.GetUser(ctx, user.GetFilter{ID: staffID})
	if err == nil && (staff.IsStaff() || staff.IsAdmin()) {
		return nil
	}
	if err != nil && errors.Cause(err) != user.ErrNotFound {
		return errors.Wrap(err, "finding staff")
	}
	return core.NewValidationError(nil, core.FieldError{Field: "associated_staff_id", Error: errStaffNotFound})
}
