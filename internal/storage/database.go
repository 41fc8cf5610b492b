package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/contactform/internal/model"
)

const (
	// DriverNameSQLite identifies the SQLite driver implementation.
	DriverNameSQLite = "sqlite"
	// DriverNamePostgres identifies the PostgreSQL driver implementation.
	DriverNamePostgres = "postgres"
	// DriverNameMySQL identifies the MySQL driver implementation.
	DriverNameMySQL = "mysql"

	// DefaultMaxOpenConnections bounds the connection pool when no explicit size is configured.
	DefaultMaxOpenConnections = 5

	pingTimeout = 5 * time.Second

	errorMessageMissingDatabaseDriverName = "storage: missing database driver name"
	errorMessageUnsupportedDatabaseDriver = "storage: unsupported database driver"
	errorMessageMissingDataSourceName     = "storage: missing database data source name"
	errorMessageOpenDatabase              = "storage: open database"
	errorMessageOpenSQLiteDatabase        = "storage: open sqlite database"
	errorMessageOpenPostgresDatabase      = "storage: open postgres database"
	errorMessageOpenMySQLDatabase         = "storage: open mysql database"
	errorMessageConfigurePool             = "storage: configure connection pool"
	errorMessagePingDatabase              = "storage: ping database"
)

var (
	// ErrMissingDatabaseDriverName indicates the database driver name configuration was omitted.
	ErrMissingDatabaseDriverName = errors.New(errorMessageMissingDatabaseDriverName)
	// ErrUnsupportedDatabaseDriver indicates the provided database driver is not supported.
	ErrUnsupportedDatabaseDriver = errors.New(errorMessageUnsupportedDatabaseDriver)
	// ErrMissingDataSourceName indicates the database data source name configuration was omitted.
	ErrMissingDataSourceName = errors.New(errorMessageMissingDataSourceName)
)

type databaseOpener func(Config) (*gorm.DB, error)

var databaseOpeners = map[string]databaseOpener{
	DriverNameSQLite:   openSQLiteDatabase,
	DriverNamePostgres: openPostgresDatabase,
	DriverNameMySQL:    openMySQLDatabase,
}

// Config captures database connection configuration.
type Config struct {
	DriverName         string
	DataSourceName     string
	MaxOpenConnections int
}

// OpenDatabase opens a pooled database connection using the configured driver and data source name.
func OpenDatabase(configuration Config) (*gorm.DB, error) {
	trimmedDriverName := strings.ToLower(strings.TrimSpace(configuration.DriverName))
	if trimmedDriverName == "" {
		return nil, ErrMissingDatabaseDriverName
	}

	opener, driverSupported := databaseOpeners[trimmedDriverName]
	if !driverSupported {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDatabaseDriver, trimmedDriverName)
	}

	trimmedDataSourceName := strings.TrimSpace(configuration.DataSourceName)
	if trimmedDataSourceName == "" {
		return nil, ErrMissingDataSourceName
	}

	database, openErr := opener(Config{
		DriverName:     trimmedDriverName,
		DataSourceName: trimmedDataSourceName,
	})
	if openErr != nil {
		return nil, fmt.Errorf("%s: %w", errorMessageOpenDatabase, openErr)
	}

	if poolErr := configurePool(database, configuration.MaxOpenConnections); poolErr != nil {
		return nil, poolErr
	}

	return database, nil
}

// configurePool bounds the pool. Idle connections match the open limit so an
// in-memory SQLite database is never dropped with its last connection.
func configurePool(database *gorm.DB, maxOpenConnections int) error {
	if maxOpenConnections <= 0 {
		maxOpenConnections = DefaultMaxOpenConnections
	}
	sqlDatabase, sqlErr := database.DB()
	if sqlErr != nil {
		return fmt.Errorf("%s: %w", errorMessageConfigurePool, sqlErr)
	}
	sqlDatabase.SetMaxOpenConns(maxOpenConnections)
	sqlDatabase.SetMaxIdleConns(maxOpenConnections)
	return nil
}

func gormConfiguration() *gorm.Config {
	return &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func openSQLiteDatabase(configuration Config) (*gorm.DB, error) {
	if configuration.DataSourceName == "" {
		return nil, ErrMissingDataSourceName
	}

	database, openErr := gorm.Open(sqlite.Open(configuration.DataSourceName), gormConfiguration())
	if openErr != nil {
		return nil, fmt.Errorf("%s: %w", errorMessageOpenSQLiteDatabase, openErr)
	}

	return database, nil
}

func openPostgresDatabase(configuration Config) (*gorm.DB, error) {
	if configuration.DataSourceName == "" {
		return nil, ErrMissingDataSourceName
	}

	database, openErr := gorm.Open(postgres.Open(configuration.DataSourceName), gormConfiguration())
	if openErr != nil {
		return nil, fmt.Errorf("%s: %w", errorMessageOpenPostgresDatabase, openErr)
	}

	return database, nil
}

func openMySQLDatabase(configuration Config) (*gorm.DB, error) {
	if configuration.DataSourceName == "" {
		return nil, ErrMissingDataSourceName
	}

	database, openErr := gorm.Open(mysql.Open(configuration.DataSourceName), gormConfiguration())
	if openErr != nil {
		return nil, fmt.Errorf("%s: %w", errorMessageOpenMySQLDatabase, openErr)
	}

	return database, nil
}

// AutoMigrate creates the submission table when it does not exist yet.
func AutoMigrate(database *gorm.DB) error {
	return database.AutoMigrate(&model.Submission{})
}

// Ping checks that a pooled connection can reach the database.
func Ping(ctx context.Context, database *gorm.DB) error {
	sqlDatabase, sqlErr := database.DB()
	if sqlErr != nil {
		return fmt.Errorf("%s: %w", errorMessagePingDatabase, sqlErr)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if pingErr := sqlDatabase.PingContext(pingCtx); pingErr != nil {
		return fmt.Errorf("%s: %w", errorMessagePingDatabase, pingErr)
	}
	return nil
}
