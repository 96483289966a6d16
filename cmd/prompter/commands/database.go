package commands

import (
	"database/sql"

	"github.com/teranos/prompter/ai/cache"
	"github.com/teranos/prompter/ai/engine"
	"github.com/teranos/prompter/ai/ledger"
	"github.com/teranos/prompter/ai/provider"
	"github.com/teranos/prompter/ai/selector"
	"github.com/teranos/prompter/am"
	"github.com/teranos/prompter/db"
	"github.com/teranos/prompter/errors"
	"github.com/teranos/prompter/internal/secret"
	"github.com/teranos/prompter/logger"
	"github.com/teranos/prompter/prompt"
)

// DatabasePath overrides database.path when set by the --db flag
var DatabasePath string

// openDatabase opens and migrates the configured database.
// --db wins over DB_PATH, which wins over am.toml.
func openDatabase() (*sql.DB, error) {
	dbPath, err := databasePath()
	if err != nil {
		return nil, err
	}

	database, err := db.OpenWithMigrations(dbPath, logger.ComponentLogger("db"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}

// databasePath picks --db, then configuration, then the default
func databasePath() (string, error) {
	if DatabasePath != "" {
		return DatabasePath, nil
	}
	path, err := am.GetDatabasePath()
	if err != nil {
		return "", errors.Wrap(err, "failed to get database path")
	}
	if path == "" {
		path = am.DefaultDatabasePath
	}
	return path, nil
}

// services bundles the stores every command works with
type services struct {
	db        *sql.DB
	cfg       *am.Config
	templates *prompt.Store
	registry  *provider.Registry
	cache     *cache.Store
	ledger    *ledger.Ledger
}

func openServices() (*services, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	database, err := openDatabase()
	if err != nil {
		return nil, err
	}

	return &services{
		db:        database,
		cfg:       cfg,
		templates: prompt.NewStore(database, logger.ComponentLogger("templates")),
		registry: provider.NewRegistry(database, provider.Options{
			Box:     secret.NewBox(cfg.Engine.SecretKey),
			Timeout: cfg.Engine.ProviderTimeout(),
			Logger:  logger.ComponentLogger("providers"),
		}),
		cache:  cache.NewStore(database, logger.ComponentLogger("cache")),
		ledger: ledger.New(database, logger.ComponentLogger("ledger")),
	}, nil
}

func (s *services) Close() error {
	return s.db.Close()
}

// engine builds the execution engine from the engine config section
func (s *services) engine() (*engine.Engine, error) {
	ec := s.cfg.Engine
	return engine.New(engine.Options{
		Templates:        s.templates,
		Registry:         s.registry,
		Cache:            s.cache,
		Ledger:           s.ledger,
		Defaults:         selector.Defaults{Provider: ec.DefaultProvider, Model: ec.DefaultModel},
		ProviderTimeout:  ec.ProviderTimeout(),
		MaxRetries:       ec.MaxRetries,
		RetryBackoff:     ec.RetryBackoff(),
		SingleFlight:     ec.SingleFlight,
		SchemaValidation: ec.SchemaValidation,
		Logger:           logger.ComponentLogger("engine"),
	})
}

// catalog loads engine.catalog_path, or the built-in catalog
func (s *services) catalog() (*provider.Catalog, error) {
	if s.cfg.Engine.CatalogPath == "" {
		return provider.DefaultCatalog(), nil
	}
	return provider.LoadCatalog(s.cfg.Engine.CatalogPath)
}
