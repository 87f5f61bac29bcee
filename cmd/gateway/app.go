package main

import (
	"crypto/ed25519"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/qoreforge/dbgateway/internal/command"
	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/driver/duckdb"
	"github.com/qoreforge/dbgateway/internal/driver/mongodrv"
	"github.com/qoreforge/dbgateway/internal/driver/mssql"
	"github.com/qoreforge/dbgateway/internal/driver/mysql"
	"github.com/qoreforge/dbgateway/internal/driver/postgres"
	"github.com/qoreforge/dbgateway/internal/driver/redisdrv"
	"github.com/qoreforge/dbgateway/internal/driver/sqlite"
	"github.com/qoreforge/dbgateway/internal/interceptor"
	"github.com/qoreforge/dbgateway/internal/license"
	"github.com/qoreforge/dbgateway/internal/pipeline"
	"github.com/qoreforge/dbgateway/internal/queryregistry"
	"github.com/qoreforge/dbgateway/internal/session"
)

// gatewayPublicKey is the compiled-in Ed25519 public key used to verify
// license envelopes. A real distribution embeds its production signing
// key here; this placeholder exists so the verifier has something to
// check against out of the box.
var gatewayPublicKey = ed25519.PublicKey(make([]byte, ed25519.PublicKeySize))

// app bundles every long-lived component the command surface needs.
type app struct {
	Registry *driver.Registry
	Sessions *session.Manager
	Safety   *interceptor.Engine
	Queries  *queryregistry.Registry
	Pipeline *pipeline.Pipeline
	License  *license.Watcher
	Surface  *command.Surface
}

func newApp() (*app, error) {
	registry := driver.NewRegistry()
	registry.Register(driver.Postgres, postgres.New)
	registry.Register(driver.MySQL, mysql.New)
	registry.Register(driver.SQLite, sqlite.New)
	registry.Register(driver.DuckDB, duckdb.New)
	registry.Register(driver.MSSQL, mssql.New)
	registry.Register(driver.Redis, redisdrv.New)
	registry.Register(driver.Mongo, mongodrv.New)

	sessions := session.NewManager(registry, logger)
	queries := queryregistry.New()

	safety, err := interceptor.NewEngine(viper.GetString("data_dir"), viper.GetInt("audit_capacity"), viper.GetInt("reservoir_size"))
	if err != nil {
		return nil, err
	}
	// Best-effort: the audit file is a convenience artifact, never a
	// dependency of the query hot path.
	_ = safety.Audit.LoadFrom(auditPath())

	pl := pipeline.New(sessions, safety, queries)

	verifier := license.NewVerifier(gatewayPublicKey)
	watcher := license.NewWatcher(verifier, filepath.Join(viper.GetString("data_dir"), "license.json"), logger)
	_ = watcher.Load()

	surface := command.NewSurface(pl, sessions, safety, watcher)

	return &app{
		Registry: registry,
		Sessions: sessions,
		Safety:   safety,
		Queries:  queries,
		Pipeline: pl,
		License:  watcher,
		Surface:  surface,
	}, nil
}

func auditPath() string {
	return filepath.Join(viper.GetString("data_dir"), "audit.json")
}

// saveAudit flushes the in-memory audit ring to disk between CLI
// invocations.
func (a *app) saveAudit() {
	_ = a.Safety.Audit.SaveTo(auditPath())
}
