// Package database provides the SQLite store used for state history.
//
// Open configures the connection (WAL, busy timeout, foreign keys, 0600
// file mode) and Migrate applies versioned SQL files from an fs.FS,
// normally the embedded migrations package:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql. Each migration runs in its own transaction
// and is recorded in schema_migrations.
package database
