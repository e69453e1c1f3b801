package echoapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/denim/core"
	"github.com/trezcool/denim/core/perm"
	"github.com/trezcool/denim/core/session"
	"github.com/trezcool/denim/core/user"
	metricsvc "github.com/trezcool/denim/services/metrics"
)

const (
	ctxSessionKey  = "session"
	ctxUserKey     = "user"
	sessionUserKey = "user_id"
)

var nowFunc = time.Now // mockable

type sessionDeps struct {
	store   session.Store
	users   *user.Service
	conf    core.ServerConfig
	logger  core.Logger
	metrics *metricsvc.Metrics
}

// requestSession is the session state of one request. It is only persisted on
// login (Create), on logout (Delete) and when the expiry needs pushing back (Save).
type requestSession struct {
	deps    sessionDeps
	rec     session.Record
	loaded  bool
	touched bool
}

func (rs *requestSession) storeCtx(ctx echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request().Context(), rs.deps.conf.SessionTimeout)
}

func (rs *requestSession) setCookie(ctx echo.Context) {
	ctx.SetCookie(&http.Cookie{
		Name:     rs.deps.conf.SessionCookieName,
		Value:    rs.rec.ID,
		Path:     "/",
		Expires:  rs.rec.Expiry,
		HttpOnly: true,
		Secure:   rs.deps.conf.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (rs *requestSession) clearCookie(ctx echo.Context) {
	ctx.SetCookie(&http.Cookie{
		Name:     rs.deps.conf.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   rs.deps.conf.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// login binds usr to a brand new session id and drops the previous one.
func (rs *requestSession) login(ctx echo.Context, usr user.User) error {
	c, cancel := rs.storeCtx(ctx)
	defer cancel()

	oldID := ""
	if rs.loaded {
		oldID = rs.rec.ID
	}

	rec := session.Record{
		Data:   session.Data{sessionUserKey: usr.ID},
		Expiry: nowFunc().Add(rs.deps.conf.SessionExpiry).UTC(),
	}
	if err := rs.deps.store.Create(c, &rec); err != nil {
		return errors.Wrap(err, "creating session")
	}
	if oldID != "" {
		if err := rs.deps.store.Delete(c, oldID); err != nil {
			rs.deps.logger.Warn(fmt.Sprintf("deleting cycled session: %v", err), err)
		}
	}

	rs.rec, rs.loaded, rs.touched = rec, true, false
	ctx.Set(ctxUserKey, &usr)
	rs.setCookie(ctx)
	return nil
}

func (rs *requestSession) logout(ctx echo.Context) error {
	if rs.loaded {
		c, cancel := rs.storeCtx(ctx)
		defer cancel()
		if err := rs.deps.store.Delete(c, rs.rec.ID); err != nil {
			return errors.Wrap(err, "deleting session")
		}
	}
	rs.rec, rs.loaded, rs.touched = session.Record{}, false, false
	ctx.Set(ctxUserKey, (*user.User)(nil))
	rs.clearCookie(ctx)
	return nil
}

// touch pushes the expiry back once less than half of it remains.
func (rs *requestSession) touch() {
	if !rs.loaded {
		return
	}
	now := nowFunc()
	if rs.rec.Expiry.Sub(now) < rs.deps.conf.SessionExpiry/2 {
		rs.rec.Expiry = now.Add(rs.deps.conf.SessionExpiry).UTC()
		rs.touched = true
	}
}

// flush runs right before the response is written.
func (rs *requestSession) flush(ctx echo.Context) {
	if !rs.touched {
		return
	}
	c, cancel := rs.storeCtx(ctx)
	defer cancel()
	if err := rs.deps.store.Save(c, rs.rec); err != nil {
		rs.deps.logger.Error(fmt.Sprintf("saving session: %v", err), err)
		return
	}
	rs.touched = false
	rs.setCookie(ctx)
}

// load resolves the session cookie. A corrupt session is discarded and the request
// goes on unauthenticated; only a backend failure is an error.
func (rs *requestSession) load(ctx echo.Context) error {
	cookie, err := ctx.Cookie(rs.deps.conf.SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}

	c, cancel := rs.storeCtx(ctx)
	defer cancel()

	rec, err := rs.deps.store.Load(c, cookie.Value)
	switch {
	case err == nil:
		rs.deps.metrics.SessionLoad(metricsvc.LoadHit)
		rs.rec, rs.loaded = rec, true
		return nil
	case session.IsNotFound(err):
		rs.deps.metrics.SessionLoad(metricsvc.LoadMiss)
	case session.IsDecode(err):
		rs.deps.metrics.SessionLoad(metricsvc.LoadDecodeError)
		rs.deps.logger.Warn(fmt.Sprintf("discarding session: %v", err), err)
		if dErr := rs.deps.store.Delete(c, cookie.Value); dErr != nil {
			rs.deps.logger.Warn(fmt.Sprintf("deleting corrupt session: %v", dErr), dErr)
		}
	default:
		rs.deps.metrics.SessionLoad(metricsvc.LoadBackendError)
		return errors.Wrap(err, "loading session")
	}
	rs.clearCookie(ctx)
	return nil
}

// principal re-fetches the session's user, so role changes apply on the next request.
func (rs *requestSession) principal(ctx echo.Context) (*user.User, error) {
	if !rs.loaded {
		return nil, nil
	}
	uid := rs.rec.Data.Get(sessionUserKey)
	if uid == "" {
		return nil, nil
	}
	usr, err := rs.deps.users.GetByID(ctx.Request().Context(), uid)
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			// deleted since login
			return nil, rs.logout(ctx)
		}
		return nil, errors.Wrap(err, "finding session user")
	}
	return &usr, nil
}

// sessionMiddleware loads the session and injects the principal (*user.User or nil)
// before any handler runs.
func sessionMiddleware(deps sessionDeps) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			rs := &requestSession{deps: deps}
			ctx.Set(ctxSessionKey, rs)

			if err := rs.load(ctx); err != nil {
				return err
			}
			usr, err := rs.principal(ctx)
			if err != nil {
				return err
			}
			ctx.Set(ctxUserKey, usr)

			rs.touch()
			ctx.Response().Before(func() { rs.flush(ctx) })
			return next(ctx)
		}
	}
}

func contextSession(ctx echo.Context) *requestSession {
	rs, _ := ctx.Get(ctxSessionKey).(*requestSession)
	return rs
}

// contextUser returns the principal of the request, or nil for anonymous requests.
func contextUser(ctx echo.Context) *user.User {
	usr, _ := ctx.Get(ctxUserKey).(*user.User)
	return usr
}

// principal never returns a typed nil.
func principal(ctx echo.Context) perm.Principal {
	if usr := contextUser(ctx); usr != nil {
		return usr
	}
	return nil
}
