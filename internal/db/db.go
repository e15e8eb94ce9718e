package db

import (
	"fmt"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Dialector picks the gorm driver from the DSN shape:
//
//	postgres://... or postgresql://...  -> postgres
//	sqlite:<path> / file:<path> / :memory: -> sqlite (pure Go)
//	anything else                        -> mysql
func Dialector(dsn string) gorm.Dialector {
	d := strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(d, "postgres://"), strings.HasPrefix(d, "postgresql://"):
		return postgres.Open(d)
	case strings.HasPrefix(d, "sqlite:"):
		return gormsqlite.Open(strings.TrimPrefix(d, "sqlite:"))
	case strings.HasPrefix(d, "file:"), d == ":memory:":
		return gormsqlite.Open(d)
	default:
		return mysql.Open(d)
	}
}

func Connect(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(Dialector(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("db handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return gdb, nil
}

// Migrate runs AutoMigrate for the given models.
func Migrate(gdb *gorm.DB, models ...any) error {
	if err := gdb.AutoMigrate(models...); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	return nil
}
