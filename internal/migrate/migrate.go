// Package migrate is a PRAGMA user_version–gated migration runner for the
// two SQLite stores.
package migrate

import (
	"database/sql"
	"fmt"
)

// Step is one migration: a monotonic version number and the SQL to reach
// it from version-1. Steps must be supplied in ascending Version order.
type Step struct {
	Version int
	SQL     string
}

// Run applies every step whose Version is greater than the database's
// current user_version, in order, inside one transaction per step.
// Running Run twice against the same database is a no-op the second time.
func Run(db *sql.DB, steps []Step) error {
	current, err := userVersion(db)
	if err != nil {
		return fmt.Errorf("migrate: read user_version: %w", err)
	}

	for _, step := range steps {
		if step.Version <= current {
			continue
		}
		if err := applyStep(db, step); err != nil {
			return fmt.Errorf("migrate: step %d: %w", step.Version, err)
		}
		current = step.Version
	}
	return nil
}

func userVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func applyStep(db *sql.DB, step Step) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(step.SQL); err != nil {
		return err
	}
	// PRAGMA user_version does not accept bind parameters.
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, step.Version)); err != nil {
		return err
	}
	return tx.Commit()
}
