package sqlxrepos

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/denim/core"
	"github.com/trezcool/denim/core/event"
)

const eventColumns = "id, name, date, location, extra_info, associated_staff_id, created_at"

type eventRow struct {
	ID                string         `db:"id"`
	Name              string         `db:"name"`
	Date              time.Time      `db:"date"`
	Location          string         `db:"location"`
	ExtraInfo         string         `db:"extra_info"`
	AssociatedStaffID sql.NullString `db:"associated_staff_id"`
	CreatedAt         time.Time      `db:"created_at"`
}

func (row eventRow) toEvent() event.Event {
	return event.Event{
		ID:                row.ID,
		Name:              row.Name,
		Date:              row.Date.UTC(),
		Location:          row.Location,
		ExtraInfo:         row.ExtraInfo,
		AssociatedStaffID: row.AssociatedStaffID.String,
		CreatedAt:         row.CreatedAt.UTC(),
	}
}

type participationRow struct {
	EventID   string `db:"event_id"`
	StudentID string `db:"student_id"`
	FirstName string `db:"first_name"`
	PrefName  string `db:"pref_name"`
	Surname   string `db:"surname"`
	Verified  bool   `db:"verified"`
}

type eventRepository struct {
	repository
}

var _ event.Repository = (*eventRepository)(nil) // interface compliance check

func NewEventRepository(db core.DBExecutor) event.Repository {
	return &eventRepository{repository{db: db}}
}

func (repo *eventRepository) CreateEvent(ctx context.Context, ev event.Event, exec ...core.DBExecutor) (event.Event, error) {
	ev.ID = uuid.NewString()
	_, err := execContext(
		ctx, repo.getExec(exec),
		"INSERT INTO events ("+eventColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		ev.ID, ev.Name, ev.Date.UTC(), ev.Location, ev.ExtraInfo, nullString(ev.AssociatedStaffID), ev.CreatedAt.UTC(),
	)
	if err != nil {
		return event.Event{}, errors.Wrap(err, "inserting event")
	}
	return ev, nil
}

func (repo *eventRepository) GetEvent(ctx context.Context, id string, exec ...core.DBExecutor) (event.Event, error) {
	if _, err := uuid.Parse(id); err != nil {
		return event.Event{}, event.ErrNotFound
	}
	db := repo.getExec(exec)

	var row eventRow
	if err := db.GetContext(ctx, &row, db.Rebind("SELECT "+eventColumns+" FROM events WHERE id = ?"), id); err != nil {
		if err == sql.ErrNoRows {
			return event.Event{}, event.ErrNotFound
		}
		return event.Event{}, errors.Wrap(err, "selecting event")
	}
	return row.toEvent(), nil
}

func (repo *eventRepository) QueryEvents(ctx context.Context, filter *event.QueryFilter, exec ...core.DBExecutor) ([]event.Event, error) {
	db := repo.getExec(exec)

	var (
		conds []string
		args  []interface{}
	)
	if filter != nil {
		if !filter.From.IsZero() {
			conds = append(conds, "date >= ?")
			args = append(args, filter.From.UTC())
		}
		if !filter.To.IsZero() {
			conds = append(conds, "date < ?")
			args = append(args, filter.To.UTC())
		}
	}
	query := "SELECT " + eventColumns + " FROM events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY date ASC, name ASC"

	var rows []eventRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "selecting events")
	}
	events := make([]event.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.toEvent())
	}
	return events, nil
}

func (repo *eventRepository) UpdateEvent(ctx context.Context, ev event.Event, exec ...core.DBExecutor) (event.Event, error) {
	n, err := execAffected(
		ctx, repo.getExec(exec),
		"UPDATE events SET name = ?, date = ?, location = ?, extra_info = ?, associated_staff_id = ? WHERE id = ?",
		ev.Name, ev.Date.UTC(), ev.Location, ev.ExtraInfo, nullString(ev.AssociatedStaffID), ev.ID,
	)
	if err != nil {
		return event.Event{}, errors.Wrap(err, "updating event")
	}
	if n == 0 {
		return event.Event{}, event.ErrNotFound
	}
	return ev, nil
}

func (repo *eventRepository) DeleteEvent(ctx context.Context, id string, exec ...core.DBExecutor) error {
	n, err := execAffected(ctx, repo.getExec(exec), "DELETE FROM events WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "deleting event")
	}
	if n == 0 {
		return event.ErrNotFound
	}
	return nil
}

func (repo *eventRepository) AddParticipant(ctx context.Context, eventID, studentID string, exec ...core.DBExecutor) error {
	_, err := execContext(
		ctx, repo.getExec(exec),
		"INSERT INTO participation (event_id, student_id, verified) VALUES (?, ?, ?) ON CONFLICT (event_id, student_id) DO NOTHING",
		eventID, studentID, false,
	)
	return errors.Wrap(err, "inserting participation")
}

func (repo *eventRepository) RemoveParticipant(ctx context.Context, eventID, studentID string, exec ...core.DBExecutor) error {
	_, err := execContext(
		ctx, repo.getExec(exec),
		"DELETE FROM participation WHERE event_id = ? AND student_id = ?",
		eventID, studentID,
	)
	return errors.Wrap(err, "deleting participation")
}

func (repo *eventRepository) SetVerified(ctx context.Context, eventID, studentID string, verified bool, exec ...core.DBExecutor) error {
	n, err := execAffected(
		ctx, repo.getExec(exec),
		"UPDATE participation SET verified = ? WHERE event_id = ? AND student_id = ?",
		verified, eventID, studentID,
	)
	if err != nil {
		return errors.Wrap(err, "updating participation")
	}
	if n == 0 {
		return event.ErrNotSignedUp
	}
	return nil
}

func (repo *eventRepository) Participants(ctx context.Context, eventID string, exec ...core.DBExecutor) ([]event.Participation, error) {
	db := repo.getExec(exec)

	var rows []participationRow
	err := db.SelectContext(
		ctx, &rows,
		db.Rebind(`SELECT p.event_id, p.student_id, u.first_name, u.pref_name, u.surname, p.verified
		FROM participation p JOIN users u ON u.id = p.student_id
		WHERE p.event_id = ?
		ORDER BY u.surname, u.first_name`),
		eventID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "selecting participants")
	}

	participants := make([]event.Participation, 0, len(rows))
	for _, row := range rows {
		name := row.FirstName
		if row.PrefName != "" {
			name = row.PrefName
		}
		participants = append(participants, event.Participation{
			EventID:   row.EventID,
			StudentID: row.StudentID,
			Name:      name + " " + row.Surname,
			Verified:  row.Verified,
		})
	}
	return participants, nil
}
