package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmarek/taskboard-api/internal/config"
	"github.com/tmarek/taskboard-api/internal/platform/postgres"
	"github.com/tmarek/taskboard-api/internal/scanner"
	"github.com/tmarek/taskboard-api/internal/service"
	"github.com/tmarek/taskboard-api/internal/service/auth"
	"github.com/tmarek/taskboard-api/internal/store"
	"github.com/tmarek/taskboard-api/internal/worker"
)

// application holds the wired-up components of the server: stores, the job
// queue, services, the HTTP layer, and the two background loops.
type application struct {
	config *config.Config
	logger *slog.Logger

	db        *sql.DB
	taskStore store.TaskStore
	userStore store.UserStore

	jobQueue *postgres.PostgresJobQueue

	jwtService  auth.JWTService
	userService *service.UserService
	taskService *service.TaskService

	scanner   *scanner.OverdueScanner
	processor *worker.TaskProcessor
}

// taskRepoAdapter adapts a store.TaskStore to service.TaskRepository,
// which differs only in the return type of WithTx.
type taskRepoAdapter struct {
	store.TaskStore
}

func (a taskRepoAdapter) WithTx(tx *sql.Tx) service.TaskRepository {
	return taskRepoAdapter{a.TaskStore.WithTx(tx)}
}

// newApplication builds the full dependency graph on top of an open
// database connection.
func newApplication(cfg *config.Config, db *sql.DB) (*application, error) {
	log := slog.Default()

	taskStore := postgres.NewPostgresTaskStore(db, log)
	userStore := postgres.NewPostgresUserStore(db, log)
	jobQueue := postgres.NewPostgresJobQueue(db, postgres.DefaultVisibilityTimeout, log)
	txRunner := store.NewTxRunner(db)

	jwtService, err := auth.NewJWTService(
		cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.TokenLifetimeMinutes)*time.Minute,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT service: %w", err)
	}

	userService := service.NewUserService(userStore, auth.NewBcryptHasher(0), jwtService, log)

	taskService, err := service.NewTaskService(taskRepoAdapter{taskStore}, txRunner, jobQueue, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create task service: %w", err)
	}

	overdueScanner := scanner.NewOverdueScanner(
		taskStore,
		jobQueue,
		scanner.Config{
			Interval:  time.Duration(cfg.Scanner.IntervalMinutes) * time.Minute,
			BatchSize: cfg.Scanner.BatchSize,
		},
		log,
	)

	processor := worker.NewTaskProcessor(
		jobQueue,
		taskStore,
		txRunner,
		worker.Config{
			Concurrency: cfg.Worker.Concurrency,
			MaxRetries:  cfg.Worker.MaxRetries,
		},
		log,
	)

	return &application{
		config:      cfg,
		logger:      log,
		db:          db,
		taskStore:   taskStore,
		userStore:   userStore,
		jobQueue:    jobQueue,
		jwtService:  jwtService,
		userService: userService,
		taskService: taskService,
		scanner:     overdueScanner,
		processor:   processor,
	}, nil
}

// serve starts the background loops and the HTTP server, blocking until
// shutdown completes.
func (app *application) serve() error {
	app.processor.Start()
	app.scanner.Start()

	return app.startHTTPServer(app.setupRouter())
}

// cleanup stops the background loops, waiting for in-flight work.
func (app *application) cleanup() {
	app.scanner.Stop()
	app.processor.Stop()
}
