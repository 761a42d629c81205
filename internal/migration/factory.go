package migration

import (
	"fmt"

	appconfig "github.com/cortexmux/orchestrator/config"
)

// NewMigratorFromConfig creates a new migrator from the orchestrator's
// persistence configuration (config.PersistenceConfig: driver + DSN). The
// orchestrator's PersistenceLayer only ever speaks sqlite or postgres
// through a single connection string, so there is no host/port/user
// breakdown to reassemble here.
func NewMigratorFromConfig(cfg *appconfig.Config) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	return NewMigratorFromPersistenceConfig(cfg.Persistence)
}

// NewMigratorFromPersistenceConfig creates a new migrator from
// config.PersistenceConfig.
func NewMigratorFromPersistenceConfig(pCfg appconfig.PersistenceConfig) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(pCfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid persistence driver: %w", err)
	}

	var dbURL string
	switch dbType {
	case DatabaseTypeSQLite:
		dbURL = BuildDatabaseURL(dbType, "", 0, pCfg.DSN, "", "", "")
	default:
		// Postgres DSNs are carried as a ready-to-use connection string,
		// not components to reassemble.
		dbURL = pCfg.DSN
	}

	migCfg := &Config{
		DatabaseType: dbType,
		DatabaseURL:  dbURL,
		TableName:    "schema_migrations",
	}

	return NewMigrator(migCfg)
}

// NewMigratorFromURL creates a new migrator from a database URL.
func NewMigratorFromURL(dbType, dbURL string) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}

	return NewMigrator(&Config{
		DatabaseType: dt,
		DatabaseURL:  dbURL,
		TableName:    "schema_migrations",
	})
}
