package event

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/denim/core"
	"github.com/trezcool/denim/core/broadcast"
	"github.com/trezcool/denim/core/perm"
	"github.com/trezcool/denim/core/user"
)

var (
	// errors
	ErrNotFound      = errors.New("event not found")
	ErrNotSignedUp   = errors.New("student is not signed up to this event")
	errNotAStudent   = "only students can be signed up to events"
	errStaffNotFound = "staff member not found"

	nowFunc = time.Now // mockable
)

type (
	Repository interface {
		CreateEvent(ctx context.Context, ev Event, exec ...core.DBExecutor) (Event, error)
		GetEvent(ctx context.Context, id string, exec ...core.DBExecutor) (Event, error)
		QueryEvents(ctx context.Context, filter *QueryFilter, exec ...core.DBExecutor) ([]Event, error)
		UpdateEvent(ctx context.Context, ev Event, exec ...core.DBExecutor) (Event, error)
		DeleteEvent(ctx context.Context, id string, exec ...core.DBExecutor) error
		// AddParticipant is idempotent.
		AddParticipant(ctx context.Context, eventID, studentID string, exec ...core.DBExecutor) error
		// RemoveParticipant is idempotent.
		RemoveParticipant(ctx context.Context, eventID, studentID string, exec ...core.DBExecutor) error
		// SetVerified returns ErrNotSignedUp if there is no such participation.
		SetVerified(ctx context.Context, eventID, studentID string, verified bool, exec ...core.DBExecutor) error
		Participants(ctx context.Context, eventID string, exec ...core.DBExecutor) ([]Participation, error)
	}

	// Service gates every operation on the caller's capabilities and announces
	// successful mutations on the hub.
	Service struct {
		repo  Repository
		users user.Repository
		hub   *broadcast.Hub
	}
)

func NewService(repo Repository, users user.Repository, hub *broadcast.Hub) *Service {
	return &Service{repo: repo, users: users, hub: hub}
}

func (svc *Service) checkStaff(ctx context.Context, staffID string) error {
	if staffID == "" {
		return nil
	}
	usr, err := svc.users.GetUser(ctx, user.GetFilter{ID: staffID})
	if err == nil && (usr.IsStaff() || usr.IsAdmin()) {
		return nil
	}
	if err != nil && errors.Cause(err) != user.ErrNotFound {
		return errors.Wrap(err, "finding staff")
	}
	return core.NewValidationError(nil, core.FieldError{Field: "associated_staff_id", Error: errStaffNotFound})
}

func (svc *Service) Create(ctx context.Context, p perm.Principal, ne NewEvent) (Event, error) {
	if err := perm.EnsureCan(p, perm.CrudEvents); err != nil {
		return Event{}, err
	}
	if err := svc.checkStaff(ctx, ne.AssociatedStaffID); err != nil {
		return Event{}, err
	}

	ev, err := svc.repo.CreateEvent(ctx, Event{
		Name:              ne.Name,
		Date:              ne.Date,
		Location:          ne.Location,
		ExtraInfo:         ne.ExtraInfo,
		AssociatedStaffID: ne.AssociatedStaffID,
		CreatedAt:         nowFunc().UTC(),
	})
	if err != nil {
		return Event{}, errors.Wrap(err, "creating event")
	}
	svc.hub.Publish(broadcast.EventsChanged())
	return ev, nil
}

func (svc *Service) Update(ctx context.Context, p perm.Principal, id string, ne NewEvent) (Event, error) {
	if err := perm.EnsureCan(p, perm.CrudEvents); err != nil {
		return Event{}, err
	}
	ev, err := svc.repo.GetEvent(ctx, id)
	if err != nil {
		return Event{}, err
	}
	if err = svc.checkStaff(ctx, ne.AssociatedStaffID); err != nil {
		return Event{}, err
	}

	ev.Name = ne.Name
	ev.Date = ne.Date
	ev.Location = ne.Location
	ev.ExtraInfo = ne.ExtraInfo
	ev.AssociatedStaffID = ne.AssociatedStaffID
	if ev, err = svc.repo.UpdateEvent(ctx, ev); err != nil {
		return Event{}, errors.Wrap(err, "updating event")
	}
	svc.hub.Publish(broadcast.EventsChanged())
	return ev, nil
}

func (svc *Service) Delete(ctx context.Context, p perm.Principal, id string) error {
	if err := perm.EnsureCan(p, perm.CrudEvents); err != nil {
		return err
	}
	if err := svc.repo.DeleteEvent(ctx, id); err != nil {
		return err
	}
	svc.hub.Publish(broadcast.EventsChanged())
	return nil
}

func (svc *Service) Get(ctx context.Context, id string) (Event, error) {
	return svc.repo.GetEvent(ctx, id)
}

func (svc *Service) Query(ctx context.Context, filter *QueryFilter) ([]Event, error) {
	return svc.repo.QueryEvents(ctx, filter)
}

func (svc *Service) Participants(ctx context.Context, p perm.Principal, eventID string) ([]Participation, error) {
	if err := perm.EnsureCan(p, perm.ViewSensitiveDetails); err != nil {
		return nil, err
	}
	if _, err := svc.repo.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return svc.repo.Participants(ctx, eventID)
}

// signUpCapability is SignSelfUp for oneself and SignOthersUp for anyone else.
func signUpCapability(p perm.Principal, studentID string) perm.Capability {
	if usr, ok := p.(*user.User); ok && usr != nil && usr.ID == studentID {
		return perm.SignSelfUp
	}
	return perm.SignOthersUp
}

func (svc *Service) prepareSignUp(ctx context.Context, p perm.Principal, eventID, studentID string) (uuid.UUID, error) {
	if err := perm.EnsureCan(p, signUpCapability(p, studentID)); err != nil {
		return uuid.Nil, err
	}
	ev, err := svc.repo.GetEvent(ctx, eventID)
	if err != nil {
		return uuid.Nil, err
	}
	student, err := svc.users.GetUser(ctx, user.GetFilter{ID: studentID})
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return uuid.Nil, core.NewValidationError(nil, core.FieldError{Field: "student_id", Error: err.Error()})
		}
		return uuid.Nil, errors.Wrap(err, "finding student")
	}
	if !student.IsStudent() {
		return uuid.Nil, core.NewValidationError(nil, core.FieldError{Field: "student_id", Error: errNotAStudent})
	}
	return uuid.Parse(ev.ID)
}

func (svc *Service) SignUp(ctx context.Context, p perm.Principal, eventID, studentID string) error {
	evID, err := svc.prepareSignUp(ctx, p, eventID, studentID)
	if err != nil {
		return err
	}
	if err = svc.repo.AddParticipant(ctx, eventID, studentID); err != nil {
		return errors.Wrap(err, "adding participant")
	}
	svc.hub.Publish(broadcast.SignUpChanged(evID))
	return nil
}

func (svc *Service) Withdraw(ctx context.Context, p perm.Principal, eventID, studentID string) error {
	evID, err := svc.prepareSignUp(ctx, p, eventID, studentID)
	if err != nil {
		return err
	}
	if err = svc.repo.RemoveParticipant(ctx, eventID, studentID); err != nil {
		return errors.Wrap(err, "removing participant")
	}
	svc.hub.Publish(broadcast.SignUpChanged(evID))
	return nil
}

func (svc *Service) VerifyAttendance(ctx context.Context, p perm.Principal, eventID, studentID string, verified bool) error {
	if err := perm.EnsureCan(p, perm.VerifyAttendance); err != nil {
		return err
	}
	ev, err := svc.repo.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if err = svc.repo.SetVerified(ctx, eventID, studentID, verified); err != nil {
		return err
	}
	evID, err := uuid.Parse(ev.ID)
	if err != nil {
		return errors.Wrap(err, "parsing event id")
	}
	svc.hub.Publish(broadcast.SignUpChanged(evID))
	return nil
}
