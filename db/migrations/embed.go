// Package dbmigrations exposes the embedded SQL migrations for the maker daemon.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into the makerd binary.
//
//go:embed *.sql
var Files embed.FS
