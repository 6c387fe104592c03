// Package migrations holds the Postgres schema applied by cmd/migrate.
package migrations

import "embed"

// FS contains every NNN_name.up.sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
