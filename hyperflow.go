package hyperflow

import (
	"context"
	"database/sql"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/metatocome/hyperflow/internal/engine"
	"github.com/metatocome/hyperflow/internal/persistence"
	"github.com/metatocome/hyperflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine          = api.Engine
	Template        = api.Template
	Workflow        = api.Workflow
	Work            = api.Work
	Todo            = api.Todo
	Route           = api.Route
	DelayTimer      = api.DelayTimer
	CbPoint         = api.CbPoint
	Team            = api.Team
	TeamMember      = api.TeamMember
	Crontab         = api.Crontab
	StartRequest    = api.StartRequest
	DoWorkRequest   = api.DoWorkRequest
	WorkflowFilter  = api.WorkflowFilter
	TodoFilter      = api.TodoFilter
	Status          = api.Status
	Error           = api.Error
	ErrType         = api.ErrType
	Observer        = api.Observer
	LoggingObserver = api.LoggingObserver
	MetricsObserver = api.MetricsObserver
	NoopObserver    = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewMetricsObserver   = api.NewMetricsObserver
	NewCompositeObserver = api.NewCompositeObserver
	IsErrType            = api.IsErrType
)

// Re-export status values for convenience.

const (
	StatusRun   = api.StatusRun
	StatusPause = api.StatusPause
	StatusDone  = api.StatusDone
	StatusStop  = api.StatusStop
)

// Engine constructors. These wrap internal/engine so external callers never
// need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
// Intended for tests and embedded experimentation; nothing survives the
// process.
func NewInMemoryEngine() Engine {
	return engine.NewEngine(persistence.NewMemStore())
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given
// Observer.
func NewInMemoryEngineWithObserver(obs Observer) Engine {
	return engine.NewEngineWithConfig(engine.Config{
		Store:    persistence.NewMemStore(),
		Observer: obs,
	})
}

// NewSQLiteEngine returns an Engine persisting all state in a SQLite
// database (modernc.org/sqlite). The schema is created on first use.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return engine.NewEngine(store), nil
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given
// Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return engine.NewEngineWithConfig(engine.Config{Store: store, Observer: obs}), nil
}

// NewMongoEngine returns an Engine persisting all state in MongoDB. An empty
// dbName selects the default database.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string) (Engine, error) {
	store, err := persistence.NewMongoStore(ctx, client, dbName)
	if err != nil {
		return nil, err
	}
	return engine.NewEngine(store), nil
}

// NewMongoEngineWithObserver returns a Mongo-backed Engine with the given
// Observer.
func NewMongoEngineWithObserver(ctx context.Context, client *mongo.Client, dbName string, obs Observer) (Engine, error) {
	store, err := persistence.NewMongoStore(ctx, client, dbName)
	if err != nil {
		return nil, err
	}
	return engine.NewEngineWithConfig(engine.Config{Store: store, Observer: obs}), nil
}
