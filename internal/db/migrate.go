package db

import (
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/Spok95/school-attendance/internal/db/migrations"
)

func Migrate(database *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("db.Migrate: %w", err)
	}
	if err := goose.Up(database, "."); err != nil {
		return fmt.Errorf("db.Migrate: %w", err)
	}
	return nil
}
