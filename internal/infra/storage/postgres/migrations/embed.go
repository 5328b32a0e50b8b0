package migrations

import "embed"

// FS holds the goose migrations for the dead letter archive.
//
//go:embed *.sql
var FS embed.FS
