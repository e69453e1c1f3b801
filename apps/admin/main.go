package main

import (
	"fmt"
	"log"
	"os"

	"github.com/trezcool/denim/core"
	"github.com/trezcool/denim/core/session"
	"github.com/trezcool/denim/core/user"
	appfs "github.com/trezcool/denim/fs"
	logsvc "github.com/trezcool/denim/services/logger"
	"github.com/trezcool/denim/storage/database"
	sqlxrepos "github.com/trezcool/denim/storage/database/sqlx"
)

func main() {
	conf := core.NewConfig()

	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(false)

	// set up DB
	if err := database.CreateIfNotExist(conf); err != nil {
		logger.Fatal(fmt.Sprintf("creating database: %v", err), err)
	}
	db, err := database.Open(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("opening database: %v", err), err)
	}

	validate, translator := core.NewValidator()
	user.InitValidators(validate, translator)

	words, err := user.LoadWords(appfs.FS, appfs.WordsFile)
	if err != nil {
		logger.Fatal(fmt.Sprintf("loading password words: %v", err), err)
	}
	passwords, err := user.NewPasswordGenerator(words, conf.Auth)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up password generator: %v", err), err)
	}

	// redis sessions expire on their own
	var sessions session.Store = sqlxrepos.NewSessionStore(db)
	if conf.Server.SessionBackend != "sql" {
		sessions = session.NewMemoryStore()
	}

	// start CLI
	usrRepo := sqlxrepos.NewUserRepository(db)
	hasher := user.NewHasher(conf.Auth.HashWorkers, conf.Auth.BcryptCost)
	cli := commandLine{
		db:       db,
		engine:   conf.Database.Engine,
		usrRepo:  usrRepo,
		usrSvc:   user.NewService(usrRepo, hasher, passwords, conf, logger),
		hasher:   hasher,
		sessions: sessions,
		validate: validate,
		logger:   logger,
	}
	err = cli.run(os.Args)
	_ = db.Close()
	if err != nil {
		if err != errHelp {
			logger.Error(fmt.Sprintf("\nerror: %s\n", err))
		}
		os.Exit(1)
	}
}
