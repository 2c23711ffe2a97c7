package migrations

import "embed"

// FS contains embedded SQLite migrations for the identity link store.
//
//go:embed *.sql
var FS embed.FS
