// Package migrations embeds the coordinator's SQL schema so the binary can
// migrate its database without shipping the files alongside it.
package migrations

import (
	"embed"

	"github.com/nerrad567/smartip-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
