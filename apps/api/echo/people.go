package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/denim/core/broadcast"
	"github.com/trezcool/denim/core/perm"
	"github.com/trezcool/denim/core/user"
)

type peopleApi struct {
	svc      *user.Service
	hub      *broadcast.Hub
	validate *validator.Validate
}

func registerPeopleAPI(app *echo.Echo, deps ServerDeps) {
	api := peopleApi{svc: deps.UserSvc, hub: deps.Hub, validate: deps.Validate}

	pg := app.Group("/people")
	pg.GET("", api.query, requireCapability(perm.ViewSensitiveDetails))
	pg.PUT("", api.create, requireCapability(perm.CrudUsers))
	pg.GET("/:id", api.retrieve, requireCapability(perm.ViewSensitiveDetails))
	pg.PUT("/:id", api.update, requireCapability(perm.CrudUsers))
	pg.DELETE("/:id", api.destroy, requireCapability(perm.CrudUsers))
}

// managing admins takes CRUD_ADMINS on top of CRUD_USERS
func ensureCanManage(p perm.Principal, role perm.Role) error {
	if role == perm.RoleAdmin {
		return perm.EnsureCan(p, perm.CrudUsers|perm.CrudAdmins)
	}
	return nil
}

// Handlers

func (api *peopleApi) query(ctx echo.Context) error {
	filter := new(user.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []user.User{})
	}
	filter.Clean()
	ordering := new(Ordering)
	ordering.Bind(ctx)

	users, err := api.svc.Query(ctx.Request().Context(), filter, ordering.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying users")
	}
	if users == nil {
		users = []user.User{}
	}
	return ctx.JSON(http.StatusOK, users)
}

func (api *peopleApi) retrieve(ctx echo.Context) error {
	usr, err := api.svc.GetByID(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, usr)
}

func (api *peopleApi) create(ctx echo.Context) error {
	var data user.NewUser
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewUser")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}
	if err := ensureCanManage(principal(ctx), data.Role); err != nil {
		return err
	}

	usr, defaultPwd, err := api.svc.Create(ctx.Request().Context(), data)
	if err != nil {
		return err
	}
	api.hub.Publish(broadcast.PeopleChanged())
	return ctx.JSON(http.StatusCreated, NewPersonResponse{User: usr, DefaultPassword: defaultPwd})
}

func (api *peopleApi) update(ctx echo.Context) error {
	usr, err := api.svc.GetByID(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return err
	}

	var data user.ProfileUpdate
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ProfileUpdate")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	updated, err := api.svc.UpdateProfile(ctx.Request().Context(), contextUser(ctx), usr, data)
	if err != nil {
		return err
	}
	api.hub.Publish(broadcast.PeopleChanged())
	return ctx.JSON(http.StatusOK, updated)
}

func (api *peopleApi) destroy(ctx echo.Context) error {
	usr, err := api.svc.GetByID(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return err
	}

	// Say No to Suicide! ctxUser cannot delete themselves
	if usr.ID == contextUser(ctx).ID {
		return errHttpForbidden
	}
	if err = ensureCanManage(principal(ctx), usr.Role); err != nil {
		return err
	}

	if _, err = api.svc.Delete(ctx.Request().Context(), usr.ID); err != nil {
		return errors.Wrap(err, "deleting user")
	}
	api.hub.Publish(broadcast.PeopleChanged())
	return ctx.NoContent(http.StatusNoContent)
}

type NewPersonResponse struct {
	User            user.User `json:"user"`
	DefaultPassword string    `json:"default_password,omitempty"`
}
