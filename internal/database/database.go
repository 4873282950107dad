package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/markbryant-rw/AgentBuddy-sub007/internal/engagement"
	"github.com/markbryant-rw/AgentBuddy-sub007/internal/notifications"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects the database driver and its connection target.
type Options struct {
	Driver string
	Path   string
	DSN    string
}

// Open establishes the database connection and performs schema and data migrations.
func Open(options Options, logger *zap.Logger) (*gorm.DB, error) {
	if options.Driver == "" {
		options.Driver = DriverSQLite
	}
	dialector, err := dialectorFor(options)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: newQueryLogger(logger)})
	if err != nil {
		return nil, err
	}

	if options.Driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", options.Driver))
	}

	return db, nil
}

// Migrate creates the service's tables and applies pending data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	models := append(engagement.Models(), &notifications.Notification{}, &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

func dialectorFor(options Options) (gorm.Dialector, error) {
	switch options.Driver {
	case DriverSQLite:
		if options.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		return sqlite.Open(options.Path), nil
	case DriverPostgres:
		if options.DSN == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		return postgres.Open(options.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", options.Driver)
	}
}
