// Package migrations embeds the schema migration files applied at boot.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
