// Package migrations embeds the versioned schema for the sqlite store.
package migrations

import "embed"

// FS holds the ordered migration files applied at open time.
//
//go:embed *.sql
var FS embed.FS
