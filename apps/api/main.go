package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // register the /debug/pprof handlers
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	echoapi "github.com/trezcool/denim/apps/api/echo"
	"github.com/trezcool/denim/core"
	"github.com/trezcool/denim/core/broadcast"
	"github.com/trezcool/denim/core/event"
	"github.com/trezcool/denim/core/importer"
	"github.com/trezcool/denim/core/jobs"
	"github.com/trezcool/denim/core/session"
	"github.com/trezcool/denim/core/user"
	appfs "github.com/trezcool/denim/fs"
	emailsvc "github.com/trezcool/denim/services/email"
	logsvc "github.com/trezcool/denim/services/logger"
	metricsvc "github.com/trezcool/denim/services/metrics"
	memblob "github.com/trezcool/denim/storage/blob/memory"
	"github.com/trezcool/denim/storage/blob/s3store"
	"github.com/trezcool/denim/storage/database"
	sqlxrepos "github.com/trezcool/denim/storage/database/sqlx"
	"github.com/trezcool/denim/storage/redisstore"
)

// TODO:
// - CSRF tokens on the cookie session
// - EXPORT_CSVS & RUN_ONBOARDING endpoints
func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	// set up loggers
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "API : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	dbLogger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	dbLogger.Enable(!conf.Debug)

	// set up DB
	db, err := setUpDB(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	defer func() {
		if err = db.Close(); err != nil {
			dbLogger.Fatal("Failed to close", err)
		}
	}()

	metrics := metricsvc.New()

	// set up session store
	sessions, closeSessions, err := setUpSessions(conf, db)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up sessions: %v", err), err)
	}
	defer closeSessions()

	// set up blob storage
	blobs, err := setUpBlobs(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up blob storage: %v", err), err)
	}

	// set up services
	var mailSvc core.EmailService
	if conf.Debug {
		mailSvc = emailsvc.NewConsoleService(conf, logger)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}

	validate, translator := core.NewValidator()
	user.InitValidators(validate, translator)

	core.ParseEmailTemplates(appfs.FS, appfs.EmailTemplatesDir, logger, false)

	words, err := user.LoadWords(appfs.FS, appfs.WordsFile)
	if err != nil {
		logger.Fatal(fmt.Sprintf("loading password words: %v", err), err)
	}
	passwords, err := user.NewPasswordGenerator(words, conf.Auth)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up password generator: %v", err), err)
	}

	hub := broadcast.NewHub(conf.HubBuffer, broadcast.WithDropHook(metrics.HubDrop))
	defer hub.Close()

	usrRepo := sqlxrepos.NewUserRepository(db)
	usrSvc := user.NewService(usrRepo, user.NewHasher(conf.Auth.HashWorkers, conf.Auth.BcryptCost), passwords, conf, logger)
	evRepo := sqlxrepos.NewEventRepository(db)
	evSvc := event.NewService(evRepo, usrRepo, hub)
	imp := importer.New(db, usrSvc, usrRepo, evRepo, blobs, mailSvc, hub, validate, translator, conf, logger)

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	pwd, err := usrSvc.EnsureAdminExists(context.Background())
	if err != nil {
		logger.Fatal(fmt.Sprintf("ensuring an admin exists: %v", err), err)
	}
	if pwd != "" {
		logger.Warn(fmt.Sprintf("created admin %s with password %q; replace it on first login", conf.Auth.AdminEmail, pwd))
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	sweeper := session.NewSweeper(sessions, conf.Server.SessionSweepInterval, logger, metrics.SessionsSwept)
	sweepErrors := make(chan error, 1)
	go func() {
		if err := sweeper.Run(bgCtx); err != nil {
			sweepErrors <- err
		}
	}()

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.
	// /metrics - Prometheus metrics.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)
	expvar.NewString("sessions").Set(conf.Server.SessionBackend)
	expvar.Publish("subscribers", expvar.Func(func() any { return hub.Subscribers() }))

	http.Handle("/metrics", metrics.Handler())

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start API Service

	server := echoapi.NewServer(
		echoapi.ServerDeps{
			Conf:       conf,
			Logger:     logger,
			Validate:   validate,
			Translator: translator,
			Metrics:    metrics,
			Sessions:   sessions,
			UserSvc:    usrSvc,
			EventSvc:   evSvc,
			Importer:   imp,
			Imports:    jobs.New[importer.Report](importer.PanicReport),
			Hub:        hub,
		},
	)

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	shutdown := func() {
		// ends the SSE streams, which would otherwise hold Shutdown until its deadline
		hub.Close()

		// give outstanding requests a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		// asking listener to shutdown and shed load
		if err := server.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}

	select {
	case err = <-server.Errors():
		logger.Fatal(fmt.Sprintf("server error: %v", err), err)

	case err = <-sweepErrors:
		if !core.IsShutdown(err) {
			logger.Fatal(fmt.Sprintf("sweeper error: %v", err), err)
		}
		logger.Error(fmt.Sprintf("%v: Start shutdown...", err), err)
		shutdown()

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))
		shutdown()
	}
}

func setUpDB(conf *core.Config) (*sqlx.DB, error) {
	if err := database.CreateIfNotExist(conf); err != nil {
		return nil, err
	}

	db, err := database.Open(conf)
	if err != nil {
		return nil, err
	}

	if err = database.Migrate(db, conf.Database.Engine); err != nil {
		return nil, err
	}
	return db, nil
}

// setUpSessions picks the session backend. The returned func releases it.
func setUpSessions(conf *core.Config, db *sqlx.DB) (session.Store, func(), error) {
	noop := func() {}

	switch conf.Server.SessionBackend {
	case "", "sql":
		return sqlxrepos.NewSessionStore(db), noop, nil
	case "memory":
		return session.NewMemoryStore(), noop, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.SessionTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, errors.Wrap(err, "pinging redis")
		}
		return redisstore.NewSessionStore(client, conf.Redis.KeyPrefix), func() { _ = client.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unknown session backend %q", conf.Server.SessionBackend)
	}
}

func setUpBlobs(conf *core.Config) (core.BlobStore, error) {
	switch conf.Blob.Driver {
	case "", "memory":
		return memblob.New(), nil
	case "s3":
		return s3store.New(context.Background(), conf.Blob)
	default:
		return nil, fmt.Errorf("unknown blob driver %q", conf.Blob.Driver)
	}
}
