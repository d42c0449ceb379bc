package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"os"

	"github.com/pressly/goose/v3"
	"github.com/sitescan/notifier/internal/config"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed sql
var embedded embed.FS

// MigrateStore applies the schema migrations. The embedded migrations are used
// unless a migration folder is configured.
func MigrateStore(db *gorm.DB, cfg *config.Config) error {
	goose.SetLogger(&logger{})

	dialect, dir := "postgres", "sql/postgres"
	if cfg.Database.Type != "pgsql" {
		dialect, dir = "sqlite3", "sql/sqlite"
	}

	var migrationFS fs.FS = embedded
	if folder := cfg.Service.MigrationFolder; folder != "" {
		fi, err := os.Stat(folder)
		if err != nil {
			return err
		}
		if !fi.Mode().IsDir() {
			return fmt.Errorf("failed to open migration folder: %s is not a folder", folder)
		}
		migrationFS, dir = os.DirFS(folder), "."
	}

	goose.SetBaseFS(migrationFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(dialect); err != nil {
		return err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	return goose.Up(sqlDB, dir)
}

// logger adapts zap to goose.Logger.
type logger struct{}

func (m *logger) Printf(format string, v ...interface{}) { zap.S().Named("migrations").Infof(format, v...) }
func (m *logger) Fatalf(format string, v ...interface{}) { zap.S().Named("migrations").Fatalf(format, v...) }
