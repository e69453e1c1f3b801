package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/denim/core"
	"github.com/trezcool/denim/core/broadcast"
	"github.com/trezcool/denim/core/user"
)

var errPwdNotDefault = "the current password is not a default password"

type authApi struct {
	svc      *user.Service
	hub      *broadcast.Hub
	validate *validator.Validate
}

func registerAuthAPI(app *echo.Echo, deps ServerDeps) {
	api := authApi{svc: deps.UserSvc, hub: deps.Hub, validate: deps.Validate}

	app.POST("/login", api.login)
	app.POST("/logout", api.logout)
	app.GET("/profile", api.profile, authRequired)
	app.PUT("/profile", api.updateProfile, authRequired)
	app.POST("/profile/password", api.changePassword, authRequired)
	app.POST("/replace_default_password", api.replaceDefaultPassword, authRequired)
}

// Handlers

func (api *authApi) login(ctx echo.Context) error {
	var data LoginRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to LoginRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	usr, err := api.svc.Authenticate(ctx.Request().Context(), data.Email, data.Password)
	if err != nil {
		if errors.Cause(err) == user.ErrInvalidCredentials {
			return errAuthenticationFailed
		}
		return errors.Wrap(err, "authenticating")
	}

	if err = contextSession(ctx).login(ctx, usr); err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, LoginResponse{User: usr, MustReplacePassword: usr.PasswordIsDefault})
}

func (api *authApi) logout(ctx echo.Context) error {
	if err := contextSession(ctx).logout(ctx); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *authApi) profile(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, contextUser(ctx))
}

func (api *authApi) updateProfile(ctx echo.Context) error {
	usr := contextUser(ctx)

	var data user.ProfileUpdate
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ProfileUpdate")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	updated, err := api.svc.UpdateProfile(ctx.Request().Context(), usr, *usr, data)
	if err != nil {
		return err
	}
	api.hub.Publish(broadcast.PeopleChanged())
	return ctx.JSON(http.StatusOK, updated)
}

func (api *authApi) changePassword(ctx echo.Context) error {
	usr := contextUser(ctx)

	var data user.ChangePassword
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ChangePassword")
	}
	if err := data.Validate(api.validate, *usr); err != nil {
		return err
	}

	if err := api.svc.ChangePassword(ctx.Request().Context(), *usr, data); err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, SuccessResponse{Success: "Your password has been changed."})
}

func (api *authApi) replaceDefaultPassword(ctx echo.Context) error {
	usr := contextUser(ctx)
	if !usr.PasswordIsDefault {
		return core.NewValidationError(errors.New(errPwdNotDefault))
	}

	var data user.ChangePassword
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ChangePassword")
	}
	if err := data.Validate(api.validate, *usr); err != nil {
		return err
	}

	if err := api.svc.ChangePassword(ctx.Request().Context(), *usr, data); err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, SuccessResponse{Success: "Your password has been replaced."})
}

type (
	LoginRequest struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
	}

	LoginResponse struct {
		User                user.User `json:"user"`
		MustReplacePassword bool      `json:"must_replace_password"`
	}
)

func (lr *LoginRequest) Validate(validate *validator.Validate) error {
	lr.Email = core.CleanString(lr.Email, true /* lower */)
	return validate.Struct(lr)
}
