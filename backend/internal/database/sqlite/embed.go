// Package sqlite embeds the SQLite schema migrations.
package sqlite

import "embed"

//go:embed migrations/*.sql
var migrations embed.FS

// GetMigrationsFS returns the embedded migrations, rooted so that they live
// under the "migrations" directory.
func GetMigrationsFS() embed.FS {
	return migrations
}
