// Package stores provides SQLite-backed persistence for the audit trail.
// The store implements engine.RunStore and additionally persists dead letter
// entries and observability events so that run history, failure forensics,
// and replay tokens survive process restarts.
//
// Schema management uses embedded golang-migrate migrations; the database is
// opened in WAL mode with foreign keys enabled.
package stores
