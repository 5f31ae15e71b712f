// Package migrations embeds the goose SQL migrations for the credit store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
