package echoapi

import (
	"github.com/labstack/echo/v4"

	"github.com/trezcool/denim/core/perm"
)

func authRequired(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		if contextUser(ctx) == nil {
			return errUnauthorized
		}
		return next(ctx)
	}
}

// requireCapability is the route level gate; anonymous callers get a 401 rather than a 403.
func requireCapability(needed perm.Capability) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return authRequired(func(ctx echo.Context) error {
			if err := perm.EnsureCan(principal(ctx), needed); err != nil {
				return err
			}
			return next(ctx)
		})
	}
}
