package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	echoapi "github.com/shulehub/shule/api/echo"
	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/auth"
	"github.com/shulehub/shule/core/entity"
	"github.com/shulehub/shule/core/otp"
	synceng "github.com/shulehub/shule/core/sync"
	dirsvc "github.com/shulehub/shule/services/directory"
	emailsvc "github.com/shulehub/shule/services/email"
	logsvc "github.com/shulehub/shule/services/logger"
	reposvc "github.com/shulehub/shule/services/repository"
	"github.com/shulehub/shule/storage/database"
)

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "SHULE : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	core.InitValidators(core.Validate, core.Translator)

	// set up DB
	db, err := database.Open(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("opening database: %v", err), err)
	}
	defer func() {
		if err = db.Close(); err != nil {
			logger.Error("closing database", err)
		}
	}()
	if err = database.Migrate(db); err != nil {
		logger.Fatal(fmt.Sprintf("migrating database: %v", err), err)
	}

	// set up services
	var dispatcher core.Dispatcher
	if conf.Debug {
		dispatcher = emailsvc.NewConsoleService(conf)
	} else {
		dispatcher = emailsvc.NewSendgridService(conf, logger)
	}

	store := entity.NewStore(database.NewEntityRepository(db), dispatcher, logger)
	queue := database.NewQueueRepository(db)
	creds := database.NewCredentialRepository(db)

	challenges := otp.NewManager(conf, dispatcher)
	directory := dirsvc.NewHTTPProvider(conf, logger)
	gateway := auth.NewGateway(conf, directory, challenges, store, creds, logger)

	remote := reposvc.NewHTTPRemote(conf, logger)
	engine := synceng.NewEngine(conf, store, queue, remote, logger)

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go engine.Run(ctx)

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start API Service

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	server := echoapi.NewServer(&echoapi.Options{
		Conf:           conf,
		Logger:         logger,
		Gateway:        gateway,
		Store:          store,
		Engine:         engine,
		Queue:          queue,
		SignalShutdown: func() { shutdown <- syscall.SIGTERM },
	})

	go server.Start()

	// =========================================================================
	// Shutdown

	sig := <-shutdown
	logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))
	cancel() // stop the sync engine

	// give outstanding requests a deadline for completion
	stopCtx, stopCancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
	defer stopCancel()

	if err = server.Stop(stopCtx); err != nil {
		logger.Fatal(fmt.Sprintf("could not stop server gracefully: %v", err), err)
	}
}
