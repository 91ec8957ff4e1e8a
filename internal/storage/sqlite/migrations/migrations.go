// Package migrations embeds the durable store schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
