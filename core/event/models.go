package event

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/denim/core"
)

type Event struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Date              time.Time `json:"date"` // UTC
	Location          string    `json:"location"`
	ExtraInfo         string    `json:"extra_info"`
	AssociatedStaffID string    `json:"associated_staff_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"` // UTC
}

// Participation is a student's sign-up to an event.
type Participation struct {
	EventID   string `json:"event_id"`
	StudentID string `json:"student_id"`
	Name      string `json:"name"`
	Verified  bool   `json:"verified"`
}

// NewEvent holds what may be provided to create or replace an Event.
type NewEvent struct {
	Name              string    `json:"name" validate:"required,max=200"`
	Date              time.Time `json:"date" validate:"required"`
	Location          string    `json:"location" validate:"max=200"`
	ExtraInfo         string    `json:"extra_info"`
	AssociatedStaffID string    `json:"associated_staff_id" validate:"omitempty,uuid"`
}

func (ne *NewEvent) Validate(validate *validator.Validate) error {
	ne.Name = core.CleanString(ne.Name)
	ne.Location = core.CleanString(ne.Location)
	ne.ExtraInfo = core.CleanString(ne.ExtraInfo)
	ne.Date = ne.Date.UTC()
	return validate.Struct(ne)
}

type QueryFilter struct {
	From time.Time `query:"from"`
	To   time.Time `query:"to"`
}
