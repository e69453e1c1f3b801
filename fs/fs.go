// Package appfs embeds the static files shipped with the binaries.
package appfs

import "embed"

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql templates/email/* words.txt
var FS embed.FS

const (
	EmailTemplatesDir = "templates/email"
	WordsFile         = "words.txt"
)

// MigrationsDir returns the goose migrations directory for a database engine.
func MigrationsDir(engine string) string {
	return "migrations/" + engine
}
