// Package migrations embeds the Postgres graph schema for golang-migrate.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
