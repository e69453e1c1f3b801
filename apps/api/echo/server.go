package echoapi

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/trezcool/denim/core"
	"github.com/trezcool/denim/core/broadcast"
	"github.com/trezcool/denim/core/event"
	"github.com/trezcool/denim/core/importer"
	"github.com/trezcool/denim/core/jobs"
	"github.com/trezcool/denim/core/session"
	"github.com/trezcool/denim/core/user"
	metricsvc "github.com/trezcool/denim/services/metrics"
)

// ServerDeps is everything the handlers share. Nothing here is global.
type ServerDeps struct {
	Conf       *core.Config
	Logger     core.Logger
	Validate   *validator.Validate
	Translator ut.Translator
	Metrics    *metricsvc.Metrics

	Sessions session.Store
	UserSvc  *user.Service
	EventSvc *event.Service
	Importer *importer.Importer
	Imports  *jobs.Coordinator[importer.Report]
	Hub      *broadcast.Hub

	DisableReqLogs bool
}

type Server struct {
	deps     ServerDeps
	app      *echo.Echo
	errors   chan error
	shutdown chan os.Signal
}

func NewServer(deps ServerDeps) *Server {
	s := &Server{
		deps:     deps,
		app:      echo.New(),
		errors:   make(chan error, 1),
		shutdown: make(chan os.Signal, 1),
	}
	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	s.setup()
	return s
}

func (s *Server) setup() {
	conf := s.deps.Conf

	s.app.HideBanner = true
	s.app.Debug = conf.Debug
	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.deps.Logger, s.deps.Translator, s.deps.Metrics)

	s.app.Pre(middleware.RemoveTrailingSlash())
	if !s.deps.DisableReqLogs {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(conf.Debug || conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}
	s.app.Use(s.deps.Metrics.Middleware())
	s.app.Use(sessionMiddleware(sessionDeps{
		store:   s.deps.Sessions,
		users:   s.deps.UserSvc,
		conf:    conf.Server,
		logger:  s.deps.Logger,
		metrics: s.deps.Metrics,
	}))

	s.app.GET("/", s.home)

	registerAuthAPI(s.app, s.deps)
	registerEventAPI(s.app, s.deps)
	registerPeopleAPI(s.app, s.deps)
	registerImportAPI(s.app, s.deps)
	registerSSE(s.app, s.deps)
}

// Start blocks serving requests. A listener failure is sent on Errors.
func (s *Server) Start() {
	if err := s.app.Start(s.deps.Conf.Server.Addr); err != nil && err != http.ErrServerClosed {
		s.errors <- err
	}
}

func (s *Server) Errors() <-chan error { return s.errors }

func (s *Server) ShutdownSignal() <-chan os.Signal { return s.shutdown }

// Shutdown stops accepting requests and waits for in-flight ones until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	signal.Stop(s.shutdown)
	return s.app.Shutdown(ctx)
}

func (s *Server) Close() error {
	return s.app.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func (s *Server) home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "Welcome to "+s.deps.Conf.AppName+" API!")
}
