// Package migrations embeds the versioned schema so the binary can migrate
// and verify its database without shipping SQL files alongside it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
