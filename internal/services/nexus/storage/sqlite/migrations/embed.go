package migrations

import "embed"

// FS contains embedded SQLite migrations for nexus storage.
//
//go:embed *.sql
var FS embed.FS
