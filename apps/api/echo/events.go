package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/denim/core/event"
)

type eventApi struct {
	svc      *event.Service
	validate *validator.Validate
}

func registerEventAPI(app *echo.Echo, deps ServerDeps) {
	api := eventApi{svc: deps.EventSvc, validate: deps.Validate}

	// capabilities are checked by event.Service
	eg := app.Group("/events", authRequired)
	eg.GET("", api.query)
	eg.PUT("", api.create)
	eg.GET("/:id", api.retrieve)
	eg.PUT("/:id", api.update)
	eg.DELETE("/:id", api.destroy)

	pg := eg.Group("/:id/participants")
	pg.GET("", api.participants)
	pg.PUT("/:student_id", api.signUp)
	pg.DELETE("/:student_id", api.withdraw)
	pg.POST("/:student_id/verify", api.verify)
}

// Handlers

func (api *eventApi) query(ctx echo.Context) error {
	filter := new(event.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return err
	}
	events, err := api.svc.Query(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying events")
	}
	if events == nil {
		events = []event.Event{}
	}
	return ctx.JSON(http.StatusOK, events)
}

func (api *eventApi) retrieve(ctx echo.Context) error {
	ev, err := api.svc.Get(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, ev)
}

func (api *eventApi) bindNewEvent(ctx echo.Context) (event.NewEvent, error) {
	var data event.NewEvent
	if err := (&echo.DefaultBinder{}).BindBody(ctx, &data); err != nil {
		return data, errors.Wrap(err, "binding to NewEvent")
	}
	if err := data.Validate(api.validate); err != nil {
		return data, err
	}
	return data, nil
}

func (api *eventApi) create(ctx echo.Context) error {
	data, err := api.bindNewEvent(ctx)
	if err != nil {
		return err
	}
	ev, err := api.svc.Create(ctx.Request().Context(), principal(ctx), data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, ev)
}

func (api *eventApi) update(ctx echo.Context) error {
	data, err := api.bindNewEvent(ctx)
	if err != nil {
		return err
	}
	ev, err := api.svc.Update(ctx.Request().Context(), principal(ctx), ctx.Param("id"), data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, ev)
}

func (api *eventApi) destroy(ctx echo.Context) error {
	if err := api.svc.Delete(ctx.Request().Context(), principal(ctx), ctx.Param("id")); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *eventApi) participants(ctx echo.Context) error {
	parts, err := api.svc.Participants(ctx.Request().Context(), principal(ctx), ctx.Param("id"))
	if err != nil {
		return err
	}
	if parts == nil {
		parts = []event.Participation{}
	}
	return ctx.JSON(http.StatusOK, parts)
}

func (api *eventApi) signUp(ctx echo.Context) error {
	err := api.svc.SignUp(ctx.Request().Context(), principal(ctx), ctx.Param("id"), ctx.Param("student_id"))
	if err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *eventApi) withdraw(ctx echo.Context) error {
	err := api.svc.Withdraw(ctx.Request().Context(), principal(ctx), ctx.Param("id"), ctx.Param("student_id"))
	if err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *eventApi) verify(ctx echo.Context) error {
	var data VerifyRequest
	if err := (&echo.DefaultBinder{}).BindBody(ctx, &data); err != nil {
		return errors.Wrap(err, "binding to VerifyRequest")
	}
	err := api.svc.VerifyAttendance(ctx.Request().Context(), principal(ctx), ctx.Param("id"), ctx.Param("student_id"), data.Verified)
	if err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

type VerifyRequest struct {
	Verified bool `json:"verified"`
}
