// Package migrations ships the SQL schema scripts inside the binary.
package migrations

import "embed"

// FS holds the numbered NNNN_name.up.sql / NNNN_name.down.sql scripts at its
// root.
//
//go:embed *.sql
var FS embed.FS
