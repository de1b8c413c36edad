// Package database provides SQLite connectivity for relay presence history.
//
// It manages the connection (WAL mode, busy timeout, single writer) and
// versioned schema migrations read from MigrationsFS.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are named YYYYMMDD_HHMMSS_description.up.sql with an optional
// matching .down.sql. All queries use parameterised statements.
package database
