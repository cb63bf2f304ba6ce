// Package migrations exposes the embedded SQL schema migrations.
package migrations

import "embed"

// Files contains the SQL migrations bundled into every binary.
//
//go:embed *.sql
var Files embed.FS
